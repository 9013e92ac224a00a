//go:build property
// +build property

package core

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var propertyKinds = []EventKind{EventCheckIn, EventPopupShown, EventPopupDismissed, EventAppOpened, EventTick, EventResetEmergency}
var propertyStatuses = []Status{StatusNormal, StatusTired, StatusEmergency}

// replay applies a generated sequence, advancing the clock by the given minute steps.
func replay(p Policy, kinds, statuses, steps []int, check func(prev, next State, ev Event, now time.Time) bool) bool {
	s := NewState()
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := range kinds {
		ev := Event{Kind: propertyKinds[kinds[i]%len(propertyKinds)]}
		if ev.Kind == EventCheckIn && i < len(statuses) {
			ev.Status = propertyStatuses[statuses[i]%len(propertyStatuses)]
			ev.TriggerSource = SourcePopup
		}
		if i < len(steps) {
			now = now.Add(time.Duration(steps[i]) * time.Minute)
		}
		next := p.ComputeNext(s, ev, now)
		if !check(s, next, ev, now) {
			return false
		}
		s = next
	}
	return true
}

func TestComputeNextDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	p := utcPolicy()

	properties.Property("repeated ComputeNext calls are identical", prop.ForAll(
		func(kinds, statuses, steps []int) bool {
			return replay(p, kinds, statuses, steps, func(prev, next State, ev Event, now time.Time) bool {
				again := p.ComputeNext(prev, ev, now)
				return documentsEqual(ToDocument(again), ToDocument(next))
			})
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 600)),
	))

	properties.TestingRun(t)
}

func TestInvariantsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	p := utcPolicy()

	properties.Property("invariants hold after every transition", prop.ForAll(
		func(kinds, statuses, steps []int) bool {
			return replay(p, kinds, statuses, steps, func(prev, next State, ev Event, now time.Time) bool {
				if next.NextAskAt == nil {
					return false
				}
				if next.EmergencyArmed && next.CurrentStatus != StatusEmergency {
					return false
				}
				if ev.Kind == EventCheckIn {
					if next.SilenceCount != 0 {
						return false
					}
					if next.EmergencyArmed != (next.CurrentStatus == StatusEmergency) {
						return false
					}
				}
				if next.EscalationNeeded {
					if !next.EmergencyArmed || next.SilenceCount < 2 || next.EmergencyLastAskAt == nil {
						return false
					}
					if now.Sub(*next.EmergencyLastAskAt) < 20*time.Minute {
						return false
					}
				}
				if ev.Kind != EventCheckIn && ev.Kind != EventResetEmergency {
					if next.CurrentStatus != prev.CurrentStatus || next.EmergencyArmed != prev.EmergencyArmed {
						return false
					}
				}
				return p.ValidateState(next) == nil
			})
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(0, 600)),
	))

	properties.TestingRun(t)
}

func documentsEqual(a, b Document) bool {
	eq := func(x, y *string) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	return a.CurrentStatus == b.CurrentStatus &&
		eq(a.LastCheckInAt, b.LastCheckInAt) &&
		eq(a.CooldownUntil, b.CooldownUntil) &&
		eq(a.NextAskAt, b.NextAskAt) &&
		a.SilenceCount == b.SilenceCount &&
		a.EmergencyArmed == b.EmergencyArmed &&
		eq(a.EmergencyLastAskAt, b.EmergencyLastAskAt) &&
		eq(a.LastTriggerSource, b.LastTriggerSource) &&
		a.EscalationNeeded == b.EscalationNeeded
}
