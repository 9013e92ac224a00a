package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/divijg19/pulse/internal/authority"
	"github.com/divijg19/pulse/internal/config"
	"github.com/divijg19/pulse/internal/core"
	"github.com/divijg19/pulse/internal/observability"
	"github.com/divijg19/pulse/internal/storage"
	"github.com/divijg19/pulse/internal/storage/redisstore"
)

const shutdownTimeout = 5 * time.Second

var (
	errUnknownBackend = errors.New("unknown authority backend")
	errSharedDatabase = errors.New("authority.db_path must differ from db_path")
)

// authorityDBPath resolves the authority's database and refuses the local one,
// since both would apply the same events.
func authorityDBPath(cfg config.Config) (string, error) {
	path, err := storage.ResolveAuthorityDBPath(cfg.Authority.DBPath)
	if err != nil {
		return "", err
	}
	local, err := storage.ResolveDBPath(cfg.DBPath)
	if err != nil {
		return "", err
	}
	if samePath(path, local) {
		return "", fmt.Errorf("%w: both are %s", errSharedDatabase, path)
	}
	return path, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// openAuthorityStore opens the state store selected by authority.backend.
func openAuthorityStore(ctx context.Context, cfg config.Config) (authority.StateStore, func(), error) {
	switch cfg.Authority.Backend {
	case "", config.BackendSQLite:
		path, err := authorityDBPath(cfg)
		if err != nil {
			return nil, nil, err
		}
		st, closeDB, err := openSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return st, closeDB, nil

	case config.BackendRedis:
		rs := redisstore.New(cfg.Authority.RedisAddr, cfg.Authority.RedisPassword, cfg.Authority.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Authority.RedisAddr, err)
		}
		return rs, func() { _ = rs.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("%w %q", errUnknownBackend, cfg.Authority.Backend)
	}
}

func newAuthorityHandler(cfg config.Config, store authority.StateStore, policy core.Policy) http.Handler {
	return authority.NewServer(store, policy).
		WithRateLimit(cfg.Authority.RateLimit, cfg.Authority.RateBurst).
		WithAuthSecret(cfg.Authority.AuthSecret).
		WithLogger(observability.Subsystem("authority")).
		Handler()
}

// cmdServe runs the authority until SIGINT or SIGTERM.
func cmdServe(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "serve: takes no arguments")
		return 2
	}
	cfg, cfgErr := loadRuntimeConfig()
	if cfgErr != nil {
		fmt.Fprintf(stderr, "serve: %v\n", cfgErr)
		return 1
	}
	policy, err := cfg.Policy()
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openAuthorityStore(ctx, cfg)
	if errors.Is(err, errUnknownBackend) || errors.Is(err, errSharedDatabase) {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	defer closeStore()

	log := observability.Subsystem("authority")
	srv := &http.Server{
		Addr:              cfg.Authority.ListenAddr,
		Handler:           newAuthorityHandler(cfg, store, policy),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "backend", cfg.Authority.Backend, "auth", cfg.Authority.AuthSecret != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "serve: shutdown: %v\n", err)
		return 1
	}
	return 0
}
