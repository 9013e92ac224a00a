package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a local wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// minutes returns the clock as minutes since midnight.
func (c Clock) minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Window is a half-open [Start, End) range of local wall-clock time within one day.
type Window struct {
	Start Clock
	End   Clock
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// contains reports whether the local clock of t falls inside the window.
func (w Window) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= w.Start.minutes() && m < w.End.minutes()
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("parse clock %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("parse clock %q: invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("parse clock %q: invalid minute", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// ParseWindow parses "HH:MM-HH:MM". The start must precede the end.
func ParseWindow(s string) (Window, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("parse window %q: expected HH:MM-HH:MM", s)
	}
	start, err := ParseClock(a)
	if err != nil {
		return Window{}, fmt.Errorf("parse window: %w", err)
	}
	end, err := ParseClock(b)
	if err != nil {
		return Window{}, fmt.Errorf("parse window: %w", err)
	}
	if start.minutes() >= end.minutes() {
		return Window{}, fmt.Errorf("parse window %q: start must be before end", s)
	}
	return Window{Start: start, End: end}, nil
}

// Policy holds the scheduling constants. Both the local predictor and the
// remote authority must run with the same Policy.
type Policy struct {
	MorningWindow              Window
	EveningWindow              Window
	TiredInterval              time.Duration
	EmergencyInterval          time.Duration
	EscalationSilenceThreshold int
	EscalationDelay            time.Duration

	// Location is the zone the daily windows are evaluated in. Nil means time.Local.
	Location *time.Location
}

// DefaultPolicy returns the standard cadence.
func DefaultPolicy() Policy {
	return Policy{
		MorningWindow:              Window{Start: Clock{6, 0}, End: Clock{10, 0}},
		EveningWindow:              Window{Start: Clock{19, 0}, End: Clock{22, 0}},
		TiredInterval:              4 * time.Hour,
		EmergencyInterval:          90 * time.Minute,
		EscalationSilenceThreshold: 2,
		EscalationDelay:            20 * time.Minute,
	}
}

// Validate checks that the windows are ordered and the intervals positive.
func (p Policy) Validate() error {
	if p.MorningWindow.Start.minutes() >= p.MorningWindow.End.minutes() {
		return fmt.Errorf("policy: morning window %s is empty", p.MorningWindow)
	}
	if p.EveningWindow.Start.minutes() >= p.EveningWindow.End.minutes() {
		return fmt.Errorf("policy: evening window %s is empty", p.EveningWindow)
	}
	if p.MorningWindow.End.minutes() > p.EveningWindow.Start.minutes() {
		return fmt.Errorf("policy: morning window %s overlaps evening window %s", p.MorningWindow, p.EveningWindow)
	}
	if p.TiredInterval <= 0 {
		return fmt.Errorf("policy: tired interval must be > 0")
	}
	if p.EmergencyInterval <= 0 {
		return fmt.Errorf("policy: emergency interval must be > 0")
	}
	if p.EscalationSilenceThreshold < 1 {
		return fmt.Errorf("policy: escalation silence threshold must be >= 1")
	}
	if p.EscalationDelay < 0 {
		return fmt.Errorf("policy: escalation delay must be >= 0")
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// at returns the instant of clock c on the local calendar day of day, shifted by addDays.
func (p Policy) at(day time.Time, addDays int, c Clock) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d+addDays, c.Hour, c.Minute, 0, 0, p.location()).UTC()
}
