package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/divijg19/pulse/internal/core"
)

// Episode outcomes.
const (
	OutcomeOpen       = "open"
	OutcomeDismissed  = "dismissed"
	OutcomeResolved   = "resolved"
	OutcomeSuperseded = "superseded"
)

// ErrEpisodeNotOpen is returned when an episode to dismiss is unknown or already closed.
var ErrEpisodeNotOpen = errors.New("episode is not open")

// EpisodeOp is the prompt-episode change committed together with an event.
type EpisodeOp int

const (
	EpisodeNone EpisodeOp = iota
	// EpisodeOpen supersedes any open episode and opens a new one.
	EpisodeOpen
	// EpisodeDismiss closes one open episode as dismissed.
	EpisodeDismiss
	// EpisodeResolve closes every open episode as resolved.
	EpisodeResolve
)

// EpisodeChange names the episode an event belongs to and what happens to it.
type EpisodeChange struct {
	Op EpisodeOp
	ID string
}

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	ID        int64
	UserID    string
	Event     core.Event
	At        time.Time
	EpisodeID string
	Synced    bool
}

// Store provides SQLite-backed persistence for engine states, events and prompt episodes.
type Store struct {
	db *sql.DB
}

const appStateKeyEscalationPrefix = "escalation_needed:"

// sortableTime is a fixed-width UTC layout so text ordering matches time ordering.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

// New returns a Store bound to an existing database handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return &Store{db: db}, nil
}

func (s *Store) ready(op string) error {
	if s == nil {
		return fmt.Errorf("%s: store is nil", op)
	}
	if s.db == nil {
		return fmt.Errorf("%s: db is nil", op)
	}
	return nil
}

// LoadState returns the stored state for userID. The bool is false when the
// user has never been observed.
func (s *Store) LoadState(ctx context.Context, userID string) (core.State, bool, error) {
	if err := s.ready("load state"); err != nil {
		return core.State{}, false, err
	}
	if strings.TrimSpace(userID) == "" {
		return core.State{}, false, fmt.Errorf("load state: user id is empty")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT current_status, last_check_in_at, cooldown_until, next_ask_at, silence_count,
		        emergency_armed, emergency_last_ask_at, last_trigger_source, escalation_needed
		 FROM engine_states WHERE user_id = ?`, userID)

	var doc core.Document
	var lastCheckIn, cooldown, nextAsk, lastAsk, source sql.NullString
	var armed, escalation int
	err := row.Scan(&doc.CurrentStatus, &lastCheckIn, &cooldown, &nextAsk, &doc.SilenceCount,
		&armed, &lastAsk, &source, &escalation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.NewState(), false, nil
		}
		return core.State{}, false, fmt.Errorf("load state: scan: %w", err)
	}

	doc.LastCheckInAt = nullString(lastCheckIn)
	doc.CooldownUntil = nullString(cooldown)
	doc.NextAskAt = nullString(nextAsk)
	doc.EmergencyLastAskAt = nullString(lastAsk)
	doc.LastTriggerSource = nullString(source)
	doc.EmergencyArmed = armed != 0
	doc.EscalationNeeded = escalation != 0

	state, err := core.FromDocument(doc)
	if err != nil {
		return core.State{}, false, fmt.Errorf("load state: %w", err)
	}
	return state, true, nil
}

// SaveState replaces the stored state for userID.
func (s *Store) SaveState(ctx context.Context, userID string, state core.State, eventAt time.Time) error {
	if err := s.ready("save state"); err != nil {
		return err
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("save state: user id is empty")
	}
	if err := upsertState(ctx, s.db, userID, state, eventAt); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertState(ctx context.Context, ex execer, userID string, state core.State, eventAt time.Time) error {
	doc := core.ToDocument(state)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var eventAtValue any
	if !eventAt.IsZero() {
		eventAtValue = eventAt.UTC().Format(sortableTime)
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO engine_states (user_id, current_status, last_check_in_at, cooldown_until, next_ask_at,
		                            silence_count, emergency_armed, emergency_last_ask_at, last_trigger_source,
		                            escalation_needed, updated_at, last_event_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		     current_status = excluded.current_status,
		     last_check_in_at = excluded.last_check_in_at,
		     cooldown_until = excluded.cooldown_until,
		     next_ask_at = excluded.next_ask_at,
		     silence_count = excluded.silence_count,
		     emergency_armed = excluded.emergency_armed,
		     emergency_last_ask_at = excluded.emergency_last_ask_at,
		     last_trigger_source = excluded.last_trigger_source,
		     escalation_needed = excluded.escalation_needed,
		     updated_at = excluded.updated_at,
		     last_event_at = CASE
		         WHEN engine_states.last_event_at IS NULL OR excluded.last_event_at > engine_states.last_event_at
		         THEN COALESCE(excluded.last_event_at, engine_states.last_event_at)
		         ELSE engine_states.last_event_at
		     END`,
		userID,
		doc.CurrentStatus,
		optional(doc.LastCheckInAt),
		optional(doc.CooldownUntil),
		optional(doc.NextAskAt),
		doc.SilenceCount,
		boolInt(doc.EmergencyArmed),
		optional(doc.EmergencyLastAskAt),
		optional(doc.LastTriggerSource),
		boolInt(doc.EscalationNeeded),
		now,
		eventAtValue,
	)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// LastEventAt returns the instant of the latest event applied to userID's state.
func (s *Store) LastEventAt(ctx context.Context, userID string) (*time.Time, error) {
	if err := s.ready("last event at"); err != nil {
		return nil, err
	}
	var at sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_event_at FROM engine_states WHERE user_id = ?`, userID).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last event at: scan: %w", err)
	}
	t, err := core.ParseTime(nullString(at))
	if err != nil {
		return nil, fmt.Errorf("last event at: parse: %w", err)
	}
	return t, nil
}

// RecordEvent applies the episode change, appends ev to the log and replaces
// the state in one transaction. A dismiss of an episode that is not open
// returns ErrEpisodeNotOpen and writes nothing.
func (s *Store) RecordEvent(ctx context.Context, userID string, ev core.Event, at time.Time, ep EpisodeChange, next core.State) (int64, error) {
	if err := s.ready("record event"); err != nil {
		return -1, err
	}
	if strings.TrimSpace(userID) == "" {
		return -1, fmt.Errorf("record event: user id is empty")
	}
	if ev.Kind == "" {
		return -1, fmt.Errorf("record event: kind is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("record event: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := applyEpisodeChange(ctx, tx, userID, ep, at); err != nil {
		return -1, fmt.Errorf("record event: %w", err)
	}
	id, err := insertEvent(ctx, tx, userID, ev, at, ep.ID)
	if err != nil {
		return -1, fmt.Errorf("record event: %w", err)
	}
	if err := upsertState(ctx, tx, userID, next, at); err != nil {
		return -1, fmt.Errorf("record event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("record event: commit: %w", err)
	}
	return id, nil
}

func applyEpisodeChange(ctx context.Context, ex execer, userID string, ep EpisodeChange, at time.Time) error {
	switch ep.Op {
	case EpisodeNone:
		return nil
	case EpisodeOpen:
		if _, err := closeOpenEpisodes(ctx, ex, userID, OutcomeSuperseded, at); err != nil {
			return err
		}
		return openEpisode(ctx, ex, userID, ep.ID, at)
	case EpisodeDismiss:
		closed, err := closeEpisode(ctx, ex, userID, ep.ID, OutcomeDismissed, at)
		if err != nil {
			return err
		}
		if !closed {
			return fmt.Errorf("episode %s: %w", ep.ID, ErrEpisodeNotOpen)
		}
		return nil
	case EpisodeResolve:
		_, err := closeOpenEpisodes(ctx, ex, userID, OutcomeResolved, at)
		return err
	default:
		return fmt.Errorf("unknown episode op %d", ep.Op)
	}
}

func insertEvent(ctx context.Context, ex execer, userID string, ev core.Event, at time.Time, episodeID string) (int64, error) {
	result, err := ex.ExecContext(ctx,
		`INSERT INTO events (user_id, kind, at, status, sub_status, trigger_source, episode_id, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		userID,
		string(ev.Kind),
		at.UTC().Format(sortableTime),
		emptyNull(string(ev.Status)),
		emptyNull(ev.SubStatus),
		emptyNull(string(ev.TriggerSource)),
		emptyNull(episodeID),
	)
	if err != nil {
		return -1, fmt.Errorf("insert: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return -1, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// ListEvents returns the most recent events for userID, newest first.
func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]EventRecord, error) {
	if err := s.ready("list events"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("list events: limit must be > 0")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, at, status, sub_status, trigger_source, episode_id, synced
		 FROM events
		 WHERE user_id = ?
		 ORDER BY at DESC, id DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: query: %w", err)
	}
	defer rows.Close()

	records, err := scanEvents(rows, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return records, nil
}

// PendingEvents returns events not yet acknowledged by the remote authority, oldest first.
func (s *Store) PendingEvents(ctx context.Context, userID string) ([]EventRecord, error) {
	if err := s.ready("pending events"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, at, status, sub_status, trigger_source, episode_id, synced
		 FROM events
		 WHERE user_id = ? AND synced = 0
		 ORDER BY at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pending events: query: %w", err)
	}
	defer rows.Close()

	records, err := scanEvents(rows, 0)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	return records, nil
}

func scanEvents(rows *sql.Rows, capacity int) ([]EventRecord, error) {
	records := make([]EventRecord, 0, capacity)
	for rows.Next() {
		var rec EventRecord
		var kind, atStr string
		var status, subStatus, source, episode sql.NullString
		var synced int

		if err := rows.Scan(&rec.ID, &rec.UserID, &kind, &atStr, &status, &subStatus, &source, &episode, &synced); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		at, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parse at: %w", err)
		}
		rec.At = at.UTC()
		rec.Event = core.Event{
			Kind:          core.EventKind(kind),
			Status:        core.Status(status.String),
			SubStatus:     subStatus.String,
			TriggerSource: core.TriggerSource(source.String),
		}
		rec.EpisodeID = episode.String
		rec.Synced = synced != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return records, nil
}

// MarkSynced flags the given events as acknowledged by the remote authority.
func (s *Store) MarkSynced(ctx context.Context, ids ...int64) error {
	if err := s.ready("mark synced"); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET synced = 1 WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark synced: update: %w", err)
	}
	return nil
}

// OpenEpisodeID returns the id of userID's currently open episode, if any.
func (s *Store) OpenEpisodeID(ctx context.Context, userID string) (string, bool, error) {
	if err := s.ready("open episode id"); err != nil {
		return "", false, err
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM prompt_episodes WHERE user_id = ? AND outcome = ? ORDER BY shown_at DESC LIMIT 1`,
		userID, OutcomeOpen).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("open episode id: scan: %w", err)
	}
	return id, true, nil
}

func openEpisode(ctx context.Context, ex execer, userID, episodeID string, at time.Time) error {
	if strings.TrimSpace(episodeID) == "" {
		return fmt.Errorf("open episode: episode id is empty")
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO prompt_episodes (id, user_id, shown_at, closed_at, outcome) VALUES (?, ?, ?, NULL, ?)`,
		episodeID, userID, at.UTC().Format(sortableTime), OutcomeOpen)
	if err != nil {
		return fmt.Errorf("open episode: insert: %w", err)
	}
	return nil
}

// closeEpisode reports false when the episode does not exist for userID or was already closed.
func closeEpisode(ctx context.Context, ex execer, userID, episodeID, outcome string, at time.Time) (bool, error) {
	res, err := ex.ExecContext(ctx,
		`UPDATE prompt_episodes SET outcome = ?, closed_at = ? WHERE id = ? AND user_id = ? AND outcome = ?`,
		outcome, at.UTC().Format(sortableTime), episodeID, userID, OutcomeOpen)
	if err != nil {
		return false, fmt.Errorf("close episode: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close episode: rows affected: %w", err)
	}
	return n > 0, nil
}

func closeOpenEpisodes(ctx context.Context, ex execer, userID, outcome string, at time.Time) (int64, error) {
	res, err := ex.ExecContext(ctx,
		`UPDATE prompt_episodes SET outcome = ?, closed_at = ? WHERE user_id = ? AND outcome = ?`,
		outcome, at.UTC().Format(sortableTime), userID, OutcomeOpen)
	if err != nil {
		return 0, fmt.Errorf("close open episodes: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close open episodes: rows affected: %w", err)
	}
	return n, nil
}

// DidEscalationChange returns true when needed differs from the last value
// persisted for userID. It updates the persisted value on change.
func (s *Store) DidEscalationChange(ctx context.Context, userID string, needed bool) bool {
	if s == nil || s.db == nil {
		return false
	}

	key := appStateKeyEscalationPrefix + userID
	var oldValue string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&oldValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = s.setAppState(ctx, key, strconv.FormatBool(needed))
			return needed
		}
		return false
	}

	old, err := strconv.ParseBool(strings.TrimSpace(oldValue))
	if err != nil {
		_ = s.setAppState(ctx, key, strconv.FormatBool(needed))
		return true
	}
	if old == needed {
		return false
	}

	_ = s.setAppState(ctx, key, strconv.FormatBool(needed))
	return true
}

func (s *Store) setAppState(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("set app_state: empty key")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state(key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		now,
	)
	if err != nil {
		return fmt.Errorf("set app_state: upsert: %w", err)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func optional(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func emptyNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
