package core

import (
	"time"
)

// Status is the last self-reported wellbeing status.
type Status string

const (
	StatusNormal    Status = "NORMAL"
	StatusTired     Status = "TIRED"
	StatusEmergency Status = "EMERGENCY"
)

// TriggerSource records where a check-in came from.
type TriggerSource string

const (
	SourcePopup           TriggerSource = "POPUP"
	SourceHomeWidget      TriggerSource = "HOME_WIDGET"
	SourceEmergencyButton TriggerSource = "EMERGENCY_BUTTON"
)

// EventKind identifies what happened to the engine.
type EventKind string

const (
	EventCheckIn        EventKind = "CHECK_IN"
	EventPopupShown     EventKind = "POPUP_SHOWN"
	EventPopupDismissed EventKind = "POPUP_DISMISSED"
	EventAppOpened      EventKind = "APP_OPENED"
	EventTick           EventKind = "TICK"
	EventResetEmergency EventKind = "RESET_EMERGENCY"
)

// Event is a single input to the transition function.
// Status, SubStatus and TriggerSource are only meaningful for CHECK_IN.
type Event struct {
	Kind          EventKind     `json:"kind"`
	Status        Status        `json:"status,omitempty"`
	SubStatus     string        `json:"subStatus,omitempty"`
	TriggerSource TriggerSource `json:"triggerSource,omitempty"`
}

// CheckIn builds a CHECK_IN event.
func CheckIn(status Status, source TriggerSource, subStatus string) Event {
	return Event{Kind: EventCheckIn, Status: status, TriggerSource: source, SubStatus: subStatus}
}

// State is the per-user engine aggregate. It is only ever replaced, never deleted.
type State struct {
	CurrentStatus      Status
	LastCheckInAt      *time.Time
	CooldownUntil      *time.Time
	NextAskAt          *time.Time
	SilenceCount       int
	EmergencyArmed     bool
	EmergencyLastAskAt *time.Time
	LastTriggerSource  *TriggerSource
	EscalationNeeded   bool
}

// PromptContext carries caller-observed facts the scheduling predicate needs.
type PromptContext struct {
	IsAppForeground bool
}

// NewState returns the state of a user the system has never seen.
func NewState() State {
	return State{CurrentStatus: StatusNormal}
}

// ParseStatus maps user input onto a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusNormal, StatusTired, StatusEmergency:
		return Status(s), true
	}
	switch s {
	case "normal", "ok", "n":
		return StatusNormal, true
	case "tired", "t":
		return StatusTired, true
	case "emergency", "sos", "e":
		return StatusEmergency, true
	}
	return "", false
}

// ParseTriggerSource maps user input onto a TriggerSource.
func ParseTriggerSource(s string) (TriggerSource, bool) {
	switch TriggerSource(s) {
	case SourcePopup, SourceHomeWidget, SourceEmergencyButton:
		return TriggerSource(s), true
	}
	switch s {
	case "popup":
		return SourcePopup, true
	case "widget", "home_widget":
		return SourceHomeWidget, true
	case "button", "emergency_button":
		return SourceEmergencyButton, true
	}
	return "", false
}

// ParseEventKind reports whether s names a known event kind.
func ParseEventKind(s string) (EventKind, bool) {
	switch EventKind(s) {
	case EventCheckIn, EventPopupShown, EventPopupDismissed, EventAppOpened, EventTick, EventResetEmergency:
		return EventKind(s), true
	}
	return "", false
}
