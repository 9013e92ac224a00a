// Package orchestrator drives the engine for one device: it loads a user's
// state, applies events through the transition function, persists the
// result, tracks prompt episodes and keeps the remote authority in sync.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/divijg19/pulse/internal/core"
	"github.com/divijg19/pulse/internal/keylock"
	"github.com/divijg19/pulse/internal/observability"
	"github.com/divijg19/pulse/internal/storage"
)

var (
	// ErrEpisodeNotOpen is returned when a dismiss names an episode that is
	// unknown or already closed.
	ErrEpisodeNotOpen = errors.New("episode is not open")
	// ErrUnsupportedEvent is returned by Apply for kinds that need a
	// dedicated entry point or are not known at all.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Store is the local persistence the orchestrator needs. *storage.Store implements it.
type Store interface {
	LoadState(ctx context.Context, userID string) (core.State, bool, error)
	SaveState(ctx context.Context, userID string, state core.State, eventAt time.Time) error
	LastEventAt(ctx context.Context, userID string) (*time.Time, error)
	RecordEvent(ctx context.Context, userID string, ev core.Event, at time.Time, ep storage.EpisodeChange, next core.State) (int64, error)
	PendingEvents(ctx context.Context, userID string) ([]storage.EventRecord, error)
	MarkSynced(ctx context.Context, ids ...int64) error
}

// Remote is the authoritative copy of the engine.
type Remote interface {
	SubmitEvent(ctx context.Context, userID string, ev core.Event, at time.Time) (core.State, error)
	FetchState(ctx context.Context, userID string) (core.State, error)
}

// rejection is implemented by remote errors that will never succeed on retry.
type rejection interface {
	Rejected() bool
}

// EscalationHandler is called once each time a user's escalation flag turns on.
type EscalationHandler func(ctx context.Context, userID string, state core.State)

// Orchestrator applies events for any number of users. Events for the same
// user are serialized.
type Orchestrator struct {
	policy   core.Policy
	store    Store
	remote   Remote
	escalate EscalationHandler
	log      *slog.Logger
	locks    keylock.Map
}

// New creates an orchestrator over store using policy.
func New(store Store, policy core.Policy) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("orchestrator: store is nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o := &Orchestrator{
		policy: policy,
		store:  store,
		log:    observability.Subsystem("orchestrator"),
	}
	o.escalate = o.logEscalation
	return o, nil
}

// WithRemote enables submission to an authority.
func (o *Orchestrator) WithRemote(r Remote) *Orchestrator {
	o.remote = r
	return o
}

// WithEscalationHandler overrides the default handler, which only logs.
func (o *Orchestrator) WithEscalationHandler(h EscalationHandler) *Orchestrator {
	if h != nil {
		o.escalate = h
	}
	return o
}

// WithLogger overrides the logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	if l != nil {
		o.log = l
	}
	return o
}

// Policy returns the scheduling policy in use.
func (o *Orchestrator) Policy() core.Policy {
	return o.policy
}

// Apply handles CHECK_IN, APP_OPENED, TICK and RESET_EMERGENCY. Popup events
// go through PromptShown and PromptDismissed.
func (o *Orchestrator) Apply(ctx context.Context, userID string, ev core.Event, now time.Time) (core.State, error) {
	switch ev.Kind {
	case core.EventCheckIn:
		return o.CheckIn(ctx, userID, ev.Status, ev.TriggerSource, ev.SubStatus, now)
	case core.EventResetEmergency:
		return o.Reset(ctx, userID, now)
	case core.EventAppOpened, core.EventTick:
	default:
		return core.State{}, fmt.Errorf("apply %q: %w", ev.Kind, ErrUnsupportedEvent)
	}

	unlock := o.locks.Lock(userID)
	defer unlock()
	return o.apply(ctx, userID, ev, now, storage.EpisodeChange{})
}

// CheckIn records a self-reported status. Any open prompt is resolved by it.
func (o *Orchestrator) CheckIn(ctx context.Context, userID string, status core.Status, source core.TriggerSource, subStatus string, now time.Time) (core.State, error) {
	canonical, ok := core.ParseStatus(string(status))
	if !ok {
		return core.State{}, fmt.Errorf("check in: unknown status %q", status)
	}
	var src core.TriggerSource
	if source != "" {
		if src, ok = core.ParseTriggerSource(string(source)); !ok {
			return core.State{}, fmt.Errorf("check in: unknown trigger source %q", source)
		}
	}
	ev := core.CheckIn(canonical, src, NormalizeSubStatus(subStatus))

	unlock := o.locks.Lock(userID)
	defer unlock()
	return o.apply(ctx, userID, ev, now, storage.EpisodeChange{Op: storage.EpisodeResolve})
}

// AppOpened records that the app came to the foreground.
func (o *Orchestrator) AppOpened(ctx context.Context, userID string, now time.Time) (core.State, error) {
	return o.Apply(ctx, userID, core.Event{Kind: core.EventAppOpened}, now)
}

// Tick re-derives the schedule at now.
func (o *Orchestrator) Tick(ctx context.Context, userID string, now time.Time) (core.State, error) {
	return o.Apply(ctx, userID, core.Event{Kind: core.EventTick}, now)
}

// Reset leaves emergency mode. Any open prompt is resolved by it.
func (o *Orchestrator) Reset(ctx context.Context, userID string, now time.Time) (core.State, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()
	return o.apply(ctx, userID, core.Event{Kind: core.EventResetEmergency}, now, storage.EpisodeChange{Op: storage.EpisodeResolve})
}

// PromptShown opens a new prompt episode and returns its id. A prompt that
// was still open is superseded and will never count as silence.
func (o *Orchestrator) PromptShown(ctx context.Context, userID string, now time.Time) (string, core.State, error) {
	unlock := o.locks.Lock(userID)
	defer unlock()

	episodeID := uuid.NewString()
	ep := storage.EpisodeChange{Op: storage.EpisodeOpen, ID: episodeID}
	state, err := o.apply(ctx, userID, core.Event{Kind: core.EventPopupShown}, now, ep)
	if err != nil {
		return "", core.State{}, err
	}
	return episodeID, state, nil
}

// PromptDismissed closes episodeID and counts it as silence. Dismissing an
// episode twice, or one that was superseded or resolved, returns
// ErrEpisodeNotOpen and changes nothing.
func (o *Orchestrator) PromptDismissed(ctx context.Context, userID, episodeID string, now time.Time) (core.State, error) {
	if strings.TrimSpace(episodeID) == "" {
		return core.State{}, fmt.Errorf("prompt dismissed: %w", ErrEpisodeNotOpen)
	}

	unlock := o.locks.Lock(userID)
	defer unlock()

	ep := storage.EpisodeChange{Op: storage.EpisodeDismiss, ID: episodeID}
	state, err := o.apply(ctx, userID, core.Event{Kind: core.EventPopupDismissed}, now, ep)
	if errors.Is(err, storage.ErrEpisodeNotOpen) {
		return core.State{}, fmt.Errorf("prompt dismissed %s: %w", episodeID, ErrEpisodeNotOpen)
	}
	return state, err
}

// State returns the stored state for userID, or a fresh one.
func (o *Orchestrator) State(ctx context.Context, userID string) (core.State, error) {
	s, _, err := o.store.LoadState(ctx, userID)
	if err != nil {
		return core.State{}, fmt.Errorf("state: %w", err)
	}
	return s, nil
}

// ShouldShow evaluates the prompt predicate from local state. Storage
// failures never block it: the schedule of a fresh user is used instead.
func (o *Orchestrator) ShouldShow(ctx context.Context, userID string, now time.Time, pctx core.PromptContext) bool {
	s, found, err := o.store.LoadState(ctx, userID)
	if err != nil {
		o.logger(ctx, userID).Warn("load state failed, using fresh schedule", "error", err)
	}
	if err != nil || !found {
		s = o.policy.ComputeNext(core.NewState(), core.Event{Kind: core.EventTick}, now)
	}
	return core.ShouldShowPopup(s, now, pctx)
}

// Sync replays queued events to the remote and then adopts its state.
func (o *Orchestrator) Sync(ctx context.Context, userID string) (core.State, error) {
	if o.remote == nil {
		return core.State{}, fmt.Errorf("sync: no remote configured")
	}

	unlock := o.locks.Lock(userID)
	defer unlock()

	prev, _, err := o.store.LoadState(ctx, userID)
	if err != nil {
		return core.State{}, fmt.Errorf("sync: %w", err)
	}
	if _, _, err := o.flush(ctx, userID); err != nil {
		return core.State{}, fmt.Errorf("sync: %w", err)
	}

	remote, err := o.remote.FetchState(ctx, userID)
	if err != nil {
		return core.State{}, fmt.Errorf("sync: fetch: %w", err)
	}
	if err := o.store.SaveState(ctx, userID, remote, time.Time{}); err != nil {
		return core.State{}, fmt.Errorf("sync: %w", err)
	}
	o.checkEscalation(ctx, userID, prev, remote)
	return remote, nil
}

// apply is load, compute, persist and submit for one event. The episode
// change commits with the event or not at all. Callers hold the user lock.
func (o *Orchestrator) apply(ctx context.Context, userID string, ev core.Event, now time.Time, ep storage.EpisodeChange) (core.State, error) {
	log := o.logger(ctx, userID)

	prev, _, err := o.store.LoadState(ctx, userID)
	if err != nil {
		return core.State{}, fmt.Errorf("apply %s: %w", ev.Kind, err)
	}

	last, err := o.store.LastEventAt(ctx, userID)
	if err != nil {
		log.Warn("read last event time failed", "error", err)
	} else if last != nil && now.Before(*last) {
		log.Warn("event out of order", "kind", ev.Kind, "at", now.UTC(), "last_event_at", *last)
	}

	next := o.policy.ComputeNext(prev, ev, now)
	if _, err := o.store.RecordEvent(ctx, userID, ev, now, ep, next); err != nil {
		return core.State{}, fmt.Errorf("apply %s: %w", ev.Kind, err)
	}
	log.Debug("event applied", "kind", ev.Kind, "status", next.CurrentStatus, "silence_count", next.SilenceCount)

	if o.remote != nil {
		remote, drained, err := o.flush(ctx, userID)
		switch {
		case err != nil:
			log.Warn("remote submit failed, event queued", "kind", ev.Kind, "error", err)
		case drained:
			if err := o.store.SaveState(ctx, userID, remote, now); err != nil {
				log.Warn("store remote state failed", "error", err)
			} else {
				next = remote
			}
		}
	}

	o.checkEscalation(ctx, userID, prev, next)
	return next, nil
}

// flush submits queued events oldest first and stops at the first transient
// failure. drained is true when the queue was emptied and remote holds the
// state the authority returned for the last event.
func (o *Orchestrator) flush(ctx context.Context, userID string) (remote core.State, drained bool, err error) {
	pending, err := o.store.PendingEvents(ctx, userID)
	if err != nil {
		return core.State{}, false, fmt.Errorf("flush: %w", err)
	}
	if len(pending) == 0 {
		return core.State{}, false, nil
	}

	for _, rec := range pending {
		s, err := o.remote.SubmitEvent(ctx, userID, rec.Event, rec.At)
		if err != nil {
			var rej rejection
			if errors.As(err, &rej) && rej.Rejected() {
				o.logger(ctx, userID).Error("remote rejected event, dropping from queue", "event_id", rec.ID, "kind", rec.Event.Kind, "error", err)
				if err := o.store.MarkSynced(ctx, rec.ID); err != nil {
					return core.State{}, false, fmt.Errorf("flush: %w", err)
				}
				continue
			}
			return core.State{}, false, fmt.Errorf("flush: submit event %d: %w", rec.ID, err)
		}
		if err := o.store.MarkSynced(ctx, rec.ID); err != nil {
			return core.State{}, false, fmt.Errorf("flush: %w", err)
		}
		remote, drained = s, true
	}
	return remote, drained, nil
}

func (o *Orchestrator) checkEscalation(ctx context.Context, userID string, prev, next core.State) {
	if !prev.EscalationNeeded && next.EscalationNeeded {
		o.escalate(ctx, userID, next)
	}
}

func (o *Orchestrator) logEscalation(ctx context.Context, userID string, s core.State) {
	o.logger(ctx, userID).Warn("escalation needed", "silence_count", s.SilenceCount, "status", s.CurrentStatus)
}

func (o *Orchestrator) logger(ctx context.Context, userID string) *slog.Logger {
	return observability.LoggerFromContext(observability.WithUser(ctx, userID), o.log)
}
