package core

import (
	"time"
)

// ComputeNext applies ev at now under the default policy.
func ComputeNext(s State, ev Event, now time.Time) State {
	return DefaultPolicy().ComputeNext(s, ev, now)
}

// ComputeNext applies one event and re-derives the schedule and the
// escalation flag. It never fails and never reads the clock.
func (p Policy) ComputeNext(s State, ev Event, now time.Time) State {
	now = now.UTC()
	next := applyEvent(s.clone(), ev, now)
	next = p.schedule(next, now)
	next.EscalationNeeded = p.escalationDue(next, now)
	return next
}

// applyEvent performs the direct field effects of ev.
func applyEvent(s State, ev Event, now time.Time) State {
	// A zero or foreign status reads as NORMAL, which never arms an emergency.
	if status, ok := ParseStatus(string(s.CurrentStatus)); ok {
		s.CurrentStatus = status
	} else {
		s.CurrentStatus = StatusNormal
		s.EmergencyArmed = false
	}

	switch ev.Kind {
	case EventCheckIn:
		status, ok := ParseStatus(string(ev.Status))
		if !ok {
			status = StatusNormal
		}
		s.CurrentStatus = status
		s.LastCheckInAt = timePtr(now)
		if ev.TriggerSource != "" {
			src := ev.TriggerSource
			s.LastTriggerSource = &src
		} else {
			s.LastTriggerSource = nil
		}
		s.SilenceCount = 0
		s.EmergencyArmed = status == StatusEmergency
		if status == StatusEmergency {
			s.EmergencyLastAskAt = timePtr(now)
		} else {
			s.EmergencyLastAskAt = nil
		}
		s.EscalationNeeded = false

	case EventPopupShown:
		if s.CurrentStatus == StatusEmergency {
			s.EmergencyLastAskAt = timePtr(now)
		}

	case EventPopupDismissed:
		if s.CurrentStatus == StatusEmergency && s.EmergencyArmed {
			s.SilenceCount++
		}

	case EventResetEmergency:
		s.CurrentStatus = StatusNormal
		s.LastCheckInAt = timePtr(now)
		s.SilenceCount = 0
		s.EmergencyArmed = false
		s.EmergencyLastAskAt = nil
		s.EscalationNeeded = false
	}
	// APP_OPENED, TICK and unknown kinds only force a recompute.
	return s
}

// schedule derives NextAskAt and CooldownUntil from the status.
func (p Policy) schedule(s State, now time.Time) State {
	switch s.CurrentStatus {
	case StatusTired:
		if s.LastCheckInAt == nil {
			s.NextAskAt = timePtr(now)
			s.CooldownUntil = nil
			return s
		}
		at := s.LastCheckInAt.Add(p.TiredInterval)
		s.NextAskAt = timePtr(at)
		s.CooldownUntil = timePtr(at)

	case StatusEmergency:
		s.CooldownUntil = nil
		base := s.EmergencyLastAskAt
		if base == nil {
			base = s.LastCheckInAt
		}
		if base == nil {
			s.NextAskAt = timePtr(now)
			return s
		}
		s.NextAskAt = timePtr(base.Add(p.EmergencyInterval))

	default:
		nextAsk, cooldown := p.normalSchedule(s.LastCheckInAt, now)
		s.NextAskAt = &nextAsk
		s.CooldownUntil = cooldown
	}
	return s
}

// normalSchedule implements the two daily windows.
func (p Policy) normalSchedule(lastCheckIn *time.Time, now time.Time) (time.Time, *time.Time) {
	local := now.In(p.location())
	morning, evening := p.MorningWindow, p.EveningWindow

	checkedInDuring := func(w Window) bool {
		if lastCheckIn == nil {
			return false
		}
		last := lastCheckIn.In(p.location())
		if !sameDay(last, local) {
			return false
		}
		return w.contains(last)
	}

	m := local.Hour()*60 + local.Minute()
	switch {
	case morning.contains(local):
		if checkedInDuring(morning) {
			return p.at(local, 0, evening.Start), timePtr(p.at(local, 0, morning.End))
		}
		return p.at(local, 0, morning.Start), nil

	case evening.contains(local):
		if checkedInDuring(evening) {
			return p.at(local, 1, morning.Start), timePtr(p.at(local, 0, evening.End))
		}
		return p.at(local, 0, evening.Start), nil

	case m < morning.Start.minutes():
		return p.at(local, 0, morning.Start), nil

	case m < evening.Start.minutes():
		return p.at(local, 0, evening.Start), nil

	default:
		return p.at(local, 1, morning.Start), nil
	}
}

// escalationDue is the escalation predicate, evaluated after every transition.
func (p Policy) escalationDue(s State, now time.Time) bool {
	if s.CurrentStatus != StatusEmergency || !s.EmergencyArmed {
		return false
	}
	if s.SilenceCount < p.EscalationSilenceThreshold {
		return false
	}
	if s.EmergencyLastAskAt == nil {
		return false
	}
	return now.Sub(*s.EmergencyLastAskAt) >= p.EscalationDelay
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// clone copies the pointer fields so callers never share mutable state.
func (s State) clone() State {
	out := s
	out.LastCheckInAt = copyTime(s.LastCheckInAt)
	out.CooldownUntil = copyTime(s.CooldownUntil)
	out.NextAskAt = copyTime(s.NextAskAt)
	out.EmergencyLastAskAt = copyTime(s.EmergencyLastAskAt)
	if s.LastTriggerSource != nil {
		src := *s.LastTriggerSource
		out.LastTriggerSource = &src
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
