package core

import (
	"fmt"
	"time"
)

// ShouldShowPopup reports whether a prompt should be surfaced at now.
// It never mutates s.
func ShouldShowPopup(s State, now time.Time, ctx PromptContext) bool {
	if !ctx.IsAppForeground {
		return false
	}
	if s.NextAskAt == nil {
		return false
	}
	if now.Before(*s.NextAskAt) {
		return false
	}
	if s.CooldownUntil != nil && now.Before(*s.CooldownUntil) {
		return false
	}
	return true
}

// ValidateState reports the first broken invariant of s, if any. It is meant
// for states that arrive from outside the transition function.
func (p Policy) ValidateState(s State) error {
	switch s.CurrentStatus {
	case StatusNormal, StatusTired, StatusEmergency:
	default:
		return fmt.Errorf("state: unknown status %q", s.CurrentStatus)
	}
	if s.SilenceCount < 0 {
		return fmt.Errorf("state: negative silence count %d", s.SilenceCount)
	}
	if s.EmergencyArmed && s.CurrentStatus != StatusEmergency {
		return fmt.Errorf("state: emergency armed while status is %s", s.CurrentStatus)
	}
	if s.EscalationNeeded && !s.EmergencyArmed {
		return fmt.Errorf("state: escalation needed without an armed emergency")
	}
	if s.EscalationNeeded && s.SilenceCount < p.EscalationSilenceThreshold {
		return fmt.Errorf("state: escalation needed with silence count %d", s.SilenceCount)
	}
	return nil
}
