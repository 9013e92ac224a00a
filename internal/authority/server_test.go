package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/pulse/internal/core"
	"github.com/divijg19/pulse/internal/orchestrator"
	"github.com/divijg19/pulse/internal/storage"
)

func utcPolicy() core.Policy {
	p := core.DefaultPolicy()
	p.Location = time.UTC
	return p
}

func at(hour, minute int) time.Time {
	return time.Date(2026, time.March, 10, hour, minute, 0, 0, time.UTC)
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := storage.New(db)
	require.NoError(t, err)
	return st
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(newStore(t), utcPolicy())
}

func postEvent(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

func TestSubmitEventAndGetState(t *testing.T) {
	h := newTestServer(t).Handler()

	w := postEvent(t, h, "/users/alice/events",
		`{"event":{"kind":"CHECK_IN","status":"TIRED","triggerSource":"HOME_WIDGET"},"at":"2026-03-10T08:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "TIRED", body["state"]["currentStatus"])
	assert.Equal(t, "2026-03-10T12:00:00Z", body["state"]["nextAskAt"])
	assert.Equal(t, "HOME_WIDGET", body["state"]["lastTriggerSource"])

	req := httptest.NewRequest(http.MethodGet, "/users/alice/state", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got stateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, core.StatusTired, got.State.CurrentStatus)
}

func TestGetStateUnknownUser(t *testing.T) {
	h := newTestServer(t).Handler()
	req := httptest.NewRequest(http.MethodGet, "/users/nobody/state", nil)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)
}

func TestSubmitEventValidation(t *testing.T) {
	h := newTestServer(t).Handler()

	cases := []struct {
		name string
		body string
	}{
		{"garbage", `{`},
		{"missing at", `{"event":{"kind":"TICK"}}`},
		{"unknown kind", `{"event":{"kind":"WAVE"},"at":"2026-03-10T08:00:00Z"}`},
		{"unknown status", `{"event":{"kind":"CHECK_IN","status":"SLEEPY"},"at":"2026-03-10T08:00:00Z"}`},
		{"unknown source", `{"event":{"kind":"CHECK_IN","status":"NORMAL","triggerSource":"WATCH"},"at":"2026-03-10T08:00:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postEvent(t, h, "/users/alice/events", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRouting(t *testing.T) {
	h := newTestServer(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/users/alice/events", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/users/alice/state", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t).WithRateLimit(1, 2).Handler()
	body := `{"event":{"kind":"TICK"},"at":"2026-03-10T08:00:00Z"}`

	assert.Equal(t, http.StatusOK, postEvent(t, h, "/users/alice/events", body).Code)
	assert.Equal(t, http.StatusOK, postEvent(t, h, "/users/alice/events", body).Code)
	w := postEvent(t, h, "/users/alice/events", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Separate bucket per user.
	assert.Equal(t, http.StatusOK, postEvent(t, h, "/users/bob/events", body).Code)
}

func TestAuthSecret(t *testing.T) {
	const secret = "s3cret"
	h := newTestServer(t).WithAuthSecret(secret).Handler()
	body := `{"event":{"kind":"TICK"},"at":"2026-03-10T08:00:00Z"}`

	w := postEvent(t, h, "/users/alice/events", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/users/alice/events", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	good, err := SignToken(secret, "alice", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, send(good))

	otherUser, err := SignToken(secret, "bob", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(otherUser))

	wrongKey, err := SignToken("other", "alice", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(wrongKey))

	expired, err := SignToken(secret, "alice", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, send(expired))

	_, err = SignToken("", "alice", time.Now(), time.Minute)
	assert.Error(t, err)

	// Health stays public.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientAgainstServer(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).WithAuthSecret("k").Handler())
	defer srv.Close()

	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)
	c.WithAuthSecret("k")
	ctx := context.Background()

	fresh, err := c.FetchState(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, core.NewState(), fresh)

	s, err := c.SubmitEvent(ctx, "carol", core.CheckIn(core.StatusEmergency, core.SourceEmergencyButton, ""), at(9, 0))
	require.NoError(t, err)
	assert.True(t, s.EmergencyArmed)
	assert.Equal(t, at(10, 30), *s.NextAskAt)

	fetched, err := c.FetchState(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, s, fetched)

	_, err = c.SubmitEvent(ctx, "carol", core.Event{Kind: "WAVE"}, at(9, 5))
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.True(t, remoteErr.Rejected())
	assert.False(t, errors.Is(err, ErrRemoteUnavailable))
}

func TestClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusServiceUnavailable, "down")
	}))
	c, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = c.FetchState(context.Background(), "dave")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	srv.Close()
	_, err = c.SubmitEvent(context.Background(), "dave", core.Event{Kind: core.EventTick}, at(9, 0))
	assert.ErrorIs(t, err, ErrRemoteUnavailable)

	_, err = NewClient("not a url", time.Second)
	assert.Error(t, err)
}

func TestOrchestratorSyncsThroughAuthority(t *testing.T) {
	authorityStore := newStore(t)
	srv := httptest.NewServer(NewServer(authorityStore, utcPolicy()).Handler())
	defer srv.Close()

	client, err := NewClient(srv.URL, time.Second)
	require.NoError(t, err)

	local := newStore(t)
	o, err := orchestrator.New(local, utcPolicy())
	require.NoError(t, err)
	o.WithRemote(client)
	ctx := context.Background()

	_, err = o.CheckIn(ctx, "erin", core.StatusEmergency, core.SourceEmergencyButton, "", at(9, 0))
	require.NoError(t, err)
	ep, _, err := o.PromptShown(ctx, "erin", at(10, 30))
	require.NoError(t, err)
	local1, err := o.PromptDismissed(ctx, "erin", ep, at(10, 31))
	require.NoError(t, err)

	remote, found, err := authorityStore.LoadState(ctx, "erin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, local1, remote)
	assert.Equal(t, 1, remote.SilenceCount)

	pending, err := local.PendingEvents(ctx, "erin")
	require.NoError(t, err)
	assert.Empty(t, pending)

	synced, err := o.Sync(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, remote, synced)
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(t)
	s.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/users/x/state", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"status":404`)
	assert.Contains(t, buf.String(), `"request_id"`)
}

type lastEventFailingStore struct {
	*storage.Store
}

func (lastEventFailingStore) LastEventAt(context.Context, string) (*time.Time, error) {
	return nil, errors.New("index unreadable")
}

func TestSubmitEventLogsLastEventReadFailure(t *testing.T) {
	var buf bytes.Buffer
	s := NewServer(lastEventFailingStore{newStore(t)}, utcPolicy())
	s.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	w := postEvent(t, s.Handler(), "/users/alice/events", `{"event":{"kind":"TICK"},"at":"2026-03-10T08:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), "read last event time failed")
	assert.Contains(t, buf.String(), "index unreadable")
}
