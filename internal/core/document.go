package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is the plain key/value shape of State used for persistence and
// for exchange with the remote authority. Timestamps are RFC 3339 strings in
// UTC, or null.
type Document struct {
	CurrentStatus      string  `json:"currentStatus"`
	LastCheckInAt      *string `json:"lastCheckInAt"`
	CooldownUntil      *string `json:"cooldownUntil"`
	NextAskAt          *string `json:"nextAskAt"`
	SilenceCount       int     `json:"silenceCount"`
	EmergencyArmed     bool    `json:"emergencyArmed"`
	EmergencyLastAskAt *string `json:"emergencyLastAskAt"`
	LastTriggerSource  *string `json:"lastTriggerSource"`
	EscalationNeeded   bool    `json:"escalationNeeded"`
}

// ToDocument converts s to its document form.
func ToDocument(s State) Document {
	doc := Document{
		CurrentStatus:      string(s.CurrentStatus),
		LastCheckInAt:      FormatTime(s.LastCheckInAt),
		CooldownUntil:      FormatTime(s.CooldownUntil),
		NextAskAt:          FormatTime(s.NextAskAt),
		SilenceCount:       s.SilenceCount,
		EmergencyArmed:     s.EmergencyArmed,
		EmergencyLastAskAt: FormatTime(s.EmergencyLastAskAt),
		EscalationNeeded:   s.EscalationNeeded,
	}
	if s.LastTriggerSource != nil {
		src := string(*s.LastTriggerSource)
		doc.LastTriggerSource = &src
	}
	return doc
}

// FromDocument parses a document. An empty status reads as NORMAL.
func FromDocument(doc Document) (State, error) {
	s := NewState()
	if doc.CurrentStatus != "" {
		status, ok := ParseStatus(doc.CurrentStatus)
		if !ok {
			return State{}, fmt.Errorf("from document: unknown status %q", doc.CurrentStatus)
		}
		s.CurrentStatus = status
	}

	var err error
	if s.LastCheckInAt, err = ParseTime(doc.LastCheckInAt); err != nil {
		return State{}, fmt.Errorf("from document: lastCheckInAt: %w", err)
	}
	if s.CooldownUntil, err = ParseTime(doc.CooldownUntil); err != nil {
		return State{}, fmt.Errorf("from document: cooldownUntil: %w", err)
	}
	if s.NextAskAt, err = ParseTime(doc.NextAskAt); err != nil {
		return State{}, fmt.Errorf("from document: nextAskAt: %w", err)
	}
	if s.EmergencyLastAskAt, err = ParseTime(doc.EmergencyLastAskAt); err != nil {
		return State{}, fmt.Errorf("from document: emergencyLastAskAt: %w", err)
	}

	if doc.SilenceCount < 0 {
		return State{}, fmt.Errorf("from document: negative silenceCount %d", doc.SilenceCount)
	}
	s.SilenceCount = doc.SilenceCount
	s.EmergencyArmed = doc.EmergencyArmed
	s.EscalationNeeded = doc.EscalationNeeded

	if doc.LastTriggerSource != nil && *doc.LastTriggerSource != "" {
		src, ok := ParseTriggerSource(*doc.LastTriggerSource)
		if !ok {
			return State{}, fmt.Errorf("from document: unknown trigger source %q", *doc.LastTriggerSource)
		}
		s.LastTriggerSource = &src
	}
	return s, nil
}

// MarshalJSON encodes the state as its document.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToDocument(s))
}

// UnmarshalJSON decodes a document into the state.
func (s *State) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	parsed, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FormatTime renders an optional instant in the document format.
func FormatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

// ParseTime parses an optional instant in the document format.
func ParseTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
