package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const (
	ctxKeyUserID    ctxKey = "user_id"
	ctxKeyRequestID ctxKey = "request_id"
)

// basic global logger, JSON to stderr so CLI output stays clean.
var logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func Logger() *slog.Logger {
	return logger
}

// Configure replaces the global logger with one writing to w at the given level.
func Configure(w io.Writer, level string) *slog.Logger {
	logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	return logger
}

// ParseLevel maps debug|info|warn|error onto slog levels. Unknown means info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Subsystem returns a logger tagged with the component name.
func Subsystem(name string) *slog.Logger {
	return logger.With("subsystem", name)
}

// WithUser stores the user id in the context.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

// WithRequestID stores a request_id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// LoggerFromContext adds user_id and request_id if present.
func LoggerFromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = logger
	}
	if userID, _ := ctx.Value(ctxKeyUserID).(string); userID != "" {
		base = base.With("user_id", userID)
	}
	if reqID, _ := ctx.Value(ctxKeyRequestID).(string); reqID != "" {
		base = base.With("request_id", reqID)
	}
	return base
}
