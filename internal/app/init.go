package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crushworry/comfort-gateway/internal/config"
	"github.com/crushworry/comfort-gateway/internal/logger"
	"github.com/crushworry/comfort-gateway/internal/metrics"
	"github.com/crushworry/comfort-gateway/internal/ratelimit"
	"github.com/crushworry/comfort-gateway/internal/server"
	"github.com/crushworry/comfort-gateway/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when RATE_LIMIT_STORE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Store == config.StoreRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the metrics registry, the request logger and the
// rate limiter with its store.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log,
		logger.WithDropHook(func() { a.prom.AddDroppedLogs(1) }),
	)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	var store ratelimit.Store
	switch a.cfg.RateLimit.Store {
	case config.StoreRedis:
		a.redisStore = ratelimit.NewRedisStore(a.rdb)
		store = a.redisStore
		a.log.Info("rate limit store: redis")

	case config.StoreMemory:
		// Not shared across replicas.
		a.memStore = ratelimit.NewMemoryStore(a.baseCtx,
			ratelimit.WithSweepInterval(a.cfg.RateLimit.SweepInterval),
		)
		store = a.memStore
		a.log.Info("rate limit store: memory (in-process)")

	default:
		return fmt.Errorf("unknown rate limit store: %s", a.cfg.RateLimit.Store)
	}

	a.limiter = ratelimit.New(store,
		ratelimit.WithWindow(a.cfg.RateLimit.Window),
		ratelimit.WithMax(a.cfg.RateLimit.Max),
		ratelimit.WithLogger(a.log),
	)

	return nil
}

// initServer builds the upstream client, the optional circuit breaker around
// it and the HTTP server.
func (a *App) initServer(_ context.Context) error {
	uc := a.cfg.Upstream
	a.upstream = upstream.New(upstream.Config{
		APIKey:      uc.APIKey,
		BaseURL:     uc.BaseURL,
		Model:       uc.Model,
		Temperature: uc.Temperature,
		MaxTokens:   uc.MaxTokens,
		Timeout:     uc.Timeout,
	})

	if !a.cfg.HasUpstreamKey() {
		a.log.Warn("DASHSCOPE_API_KEY is not set; comfort requests will be answered with 500")
	}

	var completer server.Completer = a.upstream
	if uc.BreakerThreshold > 0 {
		a.prom.SetCircuitState("closed")
		a.breaker = upstream.NewBreaker(a.upstream, upstream.BreakerConfig{
			Threshold: uc.BreakerThreshold,
			Window:    uc.BreakerWindow,
			Cooldown:  uc.BreakerCooldown,
			OnStateChange: func(state string) {
				a.prom.SetCircuitState(state)
				a.log.Warn("upstream_circuit", slog.String("state", state))
			},
		})
		completer = a.breaker
		a.log.Info("upstream circuit breaker enabled",
			slog.Int("threshold", uc.BreakerThreshold),
			slog.Duration("window", uc.BreakerWindow),
			slog.Duration("cooldown", uc.BreakerCooldown),
		)
	}

	opts := server.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		RequestLog:  a.reqLogger,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	}
	if a.redisStore != nil {
		opts.Ready = a.redisStore.Ping
	}

	a.srv = server.New(a.limiter, completer, opts)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
