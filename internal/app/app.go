// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   : external connections (Redis when the limiter needs it)
//  2. initServices: metrics registry, request logger, rate limiter
//  3. initServer  : upstream client + HTTP routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/crushworry/comfort-gateway/internal/config"
	"github.com/crushworry/comfort-gateway/internal/logger"
	"github.com/crushworry/comfort-gateway/internal/metrics"
	"github.com/crushworry/comfort-gateway/internal/ratelimit"
	"github.com/crushworry/comfort-gateway/internal/server"
	"github.com/crushworry/comfort-gateway/internal/upstream"
)

// shutdownTimeout bounds how long in-flight requests may run after a stop
// signal. It exceeds the upstream deadline so a pending call can finish.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	reqLogger  *logger.Logger
	memStore   *ratelimit.MemoryStore
	redisStore *ratelimit.RedisStore
	limiter    *ratelimit.Limiter

	prom *metrics.Registry

	upstream *upstream.Client
	breaker  *upstream.Breaker // nil when disabled
	srv      *server.Server

	closeMu sync.Mutex
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. In-flight requests get shutdownTimeout to finish before the app
// is closed.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting comfort gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("model", a.upstream.Model()),
		slog.String("ratelimit_store", a.cfg.RateLimit.Store),
		slog.Int("ratelimit_max", a.limiter.Max()),
		slog.Duration("ratelimit_window", a.limiter.Window()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := a.srv.Shutdown(shutdownCtx)
		a.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Server returns the HTTP server, mainly for tests.
func (a *App) Server() *server.Server { return a.srv }

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()

	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
