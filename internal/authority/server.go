// Package authority serves the authoritative copy of every user's engine
// state over HTTP and provides a client for it.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/divijg19/pulse/internal/core"
	"github.com/divijg19/pulse/internal/keylock"
	"github.com/divijg19/pulse/internal/observability"
)

const maxBodyBytes = 64 << 10

// StateStore persists authoritative states. Both the SQLite and Redis stores implement it.
type StateStore interface {
	LoadState(ctx context.Context, userID string) (core.State, bool, error)
	SaveState(ctx context.Context, userID string, state core.State, eventAt time.Time) error
	LastEventAt(ctx context.Context, userID string) (*time.Time, error)
}

// Server applies submitted events with the same transition function the
// clients run locally.
type Server struct {
	store   StateStore
	policy  core.Policy
	locks   keylock.Map
	log     *slog.Logger
	limiter *userLimiter
	auth    *tokenVerifier
}

// NewServer creates a server over store.
func NewServer(store StateStore, policy core.Policy) *Server {
	return &Server{
		store:  store,
		policy: policy,
		log:    observability.Subsystem("authority"),
	}
}

// WithRateLimit limits each user to rps requests per second with the given burst.
func (s *Server) WithRateLimit(rps float64, burst int) *Server {
	if rps > 0 && burst > 0 {
		s.limiter = newUserLimiter(rps, burst)
	}
	return s
}

// WithAuthSecret requires every user route to carry a bearer token signed
// with secret for that user.
func (s *Server) WithAuthSecret(secret string) *Server {
	if secret != "" {
		s.auth = &tokenVerifier{secret: []byte(secret)}
	}
	return s
}

// WithLogger overrides the logger.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	if l != nil {
		s.log = l
	}
	return s
}

// Handler returns the HTTP routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// /healthz → liveness
	mux.HandleFunc("/healthz", s.handleHealthz)

	// /users/{id}/events → POST: apply one event
	// /users/{id}/state  → GET: current state
	mux.HandleFunc("/users/", s.handleUser)

	return chainMiddlewares(mux, s.withLogging, withRequestID)
}

// DTOs

type eventRequest struct {
	Event core.Event `json:"event"`
	At    time.Time  `json:"at"`
}

type stateResponse struct {
	State core.State `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routing

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// /users/{id}/events or /users/{id}/state
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/users/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	userID := parts[0]

	if s.auth != nil {
		if err := s.auth.verify(r.Header.Get("Authorization"), userID); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}
	if s.limiter != nil && !s.limiter.allow(userID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ctx := observability.WithUser(r.Context(), userID)
	r = r.WithContext(ctx)

	switch parts[1] {
	case "events":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSubmitEvent(w, r, userID)
	case "state":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGetState(w, r, userID)
	default:
		http.NotFound(w, r)
	}
}

// Handlers

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request, userID string) {
	log := observability.LoggerFromContext(r.Context(), s.log)

	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.At.IsZero() {
		badRequest(w, "at is required")
		return
	}
	ev, err := validateEvent(req.Event)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	prev, _, err := s.store.LoadState(r.Context(), userID)
	if err != nil {
		internalError(w, log, err)
		return
	}
	last, err := s.store.LastEventAt(r.Context(), userID)
	if err != nil {
		log.Warn("read last event time failed", "error", err)
	} else if last != nil && req.At.Before(*last) {
		log.Warn("event out of order", "kind", ev.Kind, "at", req.At.UTC(), "last_event_at", *last)
	}

	next := s.policy.ComputeNext(prev, ev, req.At)
	if err := s.store.SaveState(r.Context(), userID, next, req.At); err != nil {
		internalError(w, log, err)
		return
	}
	if !prev.EscalationNeeded && next.EscalationNeeded {
		log.Warn("escalation needed", "silence_count", next.SilenceCount)
	}

	writeJSON(w, http.StatusOK, stateResponse{State: next})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, userID string) {
	state, found, err := s.store.LoadState(r.Context(), userID)
	if err != nil {
		internalError(w, observability.LoggerFromContext(r.Context(), s.log), err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: state})
}

// validateEvent canonicalizes ev and rejects unknown kinds, statuses and sources.
func validateEvent(ev core.Event) (core.Event, error) {
	kind, ok := core.ParseEventKind(string(ev.Kind))
	if !ok {
		return core.Event{}, fmt.Errorf("invalid event: unknown kind %q", ev.Kind)
	}
	if kind != core.EventCheckIn {
		return core.Event{Kind: kind}, nil
	}

	status, ok := core.ParseStatus(string(ev.Status))
	if !ok {
		return core.Event{}, fmt.Errorf("invalid event: unknown status %q", ev.Status)
	}
	var src core.TriggerSource
	if ev.TriggerSource != "" {
		if src, ok = core.ParseTriggerSource(string(ev.TriggerSource)); !ok {
			return core.Event{}, fmt.Errorf("invalid event: unknown trigger source %q", ev.TriggerSource)
		}
	}
	return core.CheckIn(status, src, ev.SubStatus), nil
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func internalError(w http.ResponseWriter, log *slog.Logger, err error) {
	log.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
