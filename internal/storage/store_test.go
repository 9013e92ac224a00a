package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/pulse/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := New(db)
	require.NoError(t, err)
	return st
}

func ts(hour, minute int) time.Time {
	return time.Date(2026, time.March, 10, hour, minute, 0, 0, time.UTC)
}

func TestLoadStateUnknownUser(t *testing.T) {
	st := openTestStore(t)

	s, found, err := st.LoadState(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, core.NewState(), s)
}

func TestSaveAndLoadState(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	p := core.DefaultPolicy()
	p.Location = time.UTC
	want := p.ComputeNext(core.NewState(), core.CheckIn(core.StatusEmergency, core.SourceEmergencyButton, ""), ts(9, 0))

	require.NoError(t, st.SaveState(ctx, "alice", want, ts(9, 0)))

	got, found, err := st.LoadState(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// Replacing keeps a single row per user.
	calm := p.ComputeNext(want, core.Event{Kind: core.EventResetEmergency}, ts(9, 30))
	require.NoError(t, st.SaveState(ctx, "alice", calm, ts(9, 30)))
	got, _, err = st.LoadState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, calm, got)
}

func TestLastEventAtNeverMovesBackwards(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	last, err := st.LastEventAt(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, st.SaveState(ctx, "alice", core.NewState(), ts(10, 0)))
	require.NoError(t, st.SaveState(ctx, "alice", core.NewState(), ts(9, 0)))
	require.NoError(t, st.SaveState(ctx, "alice", core.NewState(), time.Time{}))

	last, err = st.LastEventAt(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, ts(10, 0), *last)
}

func TestRecordEventAndHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	s := core.NewState()
	events := []struct {
		ev core.Event
		at time.Time
	}{
		{core.CheckIn(core.StatusTired, core.SourceHomeWidget, "low energy"), ts(8, 0)},
		{core.Event{Kind: core.EventAppOpened}, ts(9, 0)},
		{core.Event{Kind: core.EventTick}, ts(12, 0)},
	}
	for _, e := range events {
		s = core.ComputeNext(s, e.ev, e.at)
		_, err := st.RecordEvent(ctx, "bob", e.ev, e.at, EpisodeChange{}, s)
		require.NoError(t, err)
	}

	history, err := st.ListEvents(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.EventTick, history[0].Event.Kind)
	assert.Equal(t, core.EventAppOpened, history[1].Event.Kind)

	all, err := st.ListEvents(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	first := all[2]
	assert.Equal(t, core.StatusTired, first.Event.Status)
	assert.Equal(t, "low energy", first.Event.SubStatus)
	assert.Equal(t, core.SourceHomeWidget, first.Event.TriggerSource)
	assert.Equal(t, ts(8, 0), first.At)

	got, _, err := st.LoadState(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = st.ListEvents(ctx, "bob", 0)
	assert.Error(t, err)
}

func TestPendingEventsAndMarkSynced(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i, at := range []time.Time{ts(9, 0), ts(9, 5), ts(9, 10)} {
		id, err := st.RecordEvent(ctx, "carol", core.Event{Kind: core.EventTick}, at, EpisodeChange{}, core.NewState())
		require.NoError(t, err, i)
		ids = append(ids, id)
	}

	pending, err := st.PendingEvents(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, ids[0], pending[0].ID)

	require.NoError(t, st.MarkSynced(ctx, ids[0], ids[1]))
	require.NoError(t, st.MarkSynced(ctx))

	pending, err = st.PendingEvents(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[2], pending[0].ID)
	assert.False(t, pending[0].Synced)
}

func TestEpisodes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	shown := core.Event{Kind: core.EventPopupShown}
	dismissed := core.Event{Kind: core.EventPopupDismissed}
	record := func(user string, ev core.Event, at time.Time, ep EpisodeChange) error {
		_, err := st.RecordEvent(ctx, user, ev, at, ep, core.NewState())
		return err
	}

	_, open, err := st.OpenEpisodeID(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, record("dave", shown, ts(10, 30), EpisodeChange{Op: EpisodeOpen, ID: "ep-1"}))
	id, open, err := st.OpenEpisodeID(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, open)
	assert.Equal(t, "ep-1", id)

	// Wrong user cannot close it.
	err = record("eve", dismissed, ts(10, 31), EpisodeChange{Op: EpisodeDismiss, ID: "ep-1"})
	assert.ErrorIs(t, err, ErrEpisodeNotOpen)

	require.NoError(t, record("dave", dismissed, ts(10, 31), EpisodeChange{Op: EpisodeDismiss, ID: "ep-1"}))

	// A second dismiss writes nothing.
	err = record("dave", dismissed, ts(10, 32), EpisodeChange{Op: EpisodeDismiss, ID: "ep-1"})
	assert.ErrorIs(t, err, ErrEpisodeNotOpen)
	events, err := st.ListEvents(ctx, "dave", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "ep-1", events[0].EpisodeID)
	none, err := st.ListEvents(ctx, "eve", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// A new prompt supersedes the open one.
	require.NoError(t, record("dave", shown, ts(12, 0), EpisodeChange{Op: EpisodeOpen, ID: "ep-2"}))
	require.NoError(t, record("dave", shown, ts(13, 30), EpisodeChange{Op: EpisodeOpen, ID: "ep-3"}))
	err = record("dave", dismissed, ts(13, 31), EpisodeChange{Op: EpisodeDismiss, ID: "ep-2"})
	assert.ErrorIs(t, err, ErrEpisodeNotOpen)

	require.NoError(t, record("dave", core.CheckIn(core.StatusNormal, "", ""), ts(13, 35), EpisodeChange{Op: EpisodeResolve}))
	_, open, err = st.OpenEpisodeID(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, open)

	assert.Error(t, record("dave", shown, ts(14, 0), EpisodeChange{Op: EpisodeOpen}))
	assert.Error(t, record("dave", shown, ts(14, 0), EpisodeChange{Op: EpisodeOp(99)}))
}

func TestDismissRollsBackWhenStateWriteFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st, err := New(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE prompt_episodes")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnResult(sqlmock.NewResult(8, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO engine_states")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = st.RecordEvent(context.Background(), "henry", core.Event{Kind: core.EventPopupDismissed}, ts(10, 31),
		EpisodeChange{Op: EpisodeDismiss, ID: "ep-1"}, core.NewState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDidEscalationChange(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	assert.False(t, st.DidEscalationChange(ctx, "frank", false))
	assert.True(t, st.DidEscalationChange(ctx, "frank", true))
	assert.False(t, st.DidEscalationChange(ctx, "frank", true))
	assert.True(t, st.DidEscalationChange(ctx, "frank", false))
	assert.True(t, st.DidEscalationChange(ctx, "grace", true))
}

func TestNilStoreGuards(t *testing.T) {
	var st *Store
	ctx := context.Background()

	_, _, err := st.LoadState(ctx, "x")
	assert.Error(t, err)
	assert.Error(t, st.SaveState(ctx, "x", core.NewState(), time.Time{}))
	_, err = st.RecordEvent(ctx, "x", core.Event{Kind: core.EventTick}, ts(1, 0), EpisodeChange{}, core.NewState())
	assert.Error(t, err)
	assert.False(t, st.DidEscalationChange(ctx, "x", true))

	_, err = New(nil)
	assert.Error(t, err)
}

func TestRecordEventRollsBackOnStateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st, err := New(db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO engine_states")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = st.RecordEvent(context.Background(), "henry", core.Event{Kind: core.EventTick}, ts(9, 0), EpisodeChange{}, core.NewState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStateScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st, err := New(db)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_status")).
		WithArgs("ivy").
		WillReturnError(sql.ErrConnDone)

	_, _, err = st.LoadState(context.Background(), "ivy")
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadStateRejectsCorruptRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st, err := New(db)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"current_status", "last_check_in_at", "cooldown_until", "next_ask_at",
		"silence_count", "emergency_armed", "emergency_last_ask_at", "last_trigger_source", "escalation_needed"}).
		AddRow("NORMAL", "not-a-time", nil, nil, 0, 0, nil, nil, 0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT current_status")).
		WithArgs("jack").
		WillReturnRows(rows)

	_, _, err = st.LoadState(context.Background(), "jack")
	assert.Error(t, err)
}

func TestResolveDBPath(t *testing.T) {
	p, err := ResolveDBPath("/tmp/custom.db")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", p)

	t.Setenv("XDG_DATA_HOME", "/data")
	p, err = ResolveDBPath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "pulse", "pulse.db"), p)

	p, err = ResolveAuthorityDBPath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "pulse", "authority.db"), p)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	var version int
	require.NoError(t, db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
	assert.Error(t, Migrate(nil))
}
