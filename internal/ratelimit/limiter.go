// Package ratelimit implements the per-client fixed-window request limiter.
//
// The counting state lives behind the Store interface so it can be held in
// process memory (single instance) or in Redis (shared across replicas).
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"
)

const (
	DefaultWindow = time.Minute
	DefaultMax    = 30
)

// Decision is the outcome of a single check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds is set on denial and is always >= 1.
	RetryAfterSeconds int
	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

// Store performs an atomic check-and-increment of the window counter for
// key. On denial it reports how long remains until the window resets.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, remaining time.Duration, err error)
}

// Limiter applies a fixed window of Window length allowing at most Max
// requests per identifier.
type Limiter struct {
	store  Store
	window time.Duration
	max    int
	log    *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithMax overrides the per-window request budget.
func WithMax(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithLogger sets the logger used to report store failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a Limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		max:    DefaultMax,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Max returns the configured per-window budget.
func (l *Limiter) Max() int { return l.max }

// Check records one request for identifier and reports whether it may
// proceed. An empty identifier is a valid bucket shared by every caller the
// server could not attribute.
func (l *Limiter) Check(ctx context.Context, identifier string) Decision {
	allowed, remaining, err := l.store.Hit(ctx, identifier, l.window, l.max)
	if err != nil {
		// Store unavailable: allow the request.
		l.log.WarnContext(ctx, "ratelimit_degraded",
			slog.String("client", identifier),
			slog.String("error", err.Error()),
		)
		return Decision{Allowed: true, Degraded: true}
	}
	if allowed {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfterSeconds: retryAfterSeconds(remaining)}
}

// retryAfterSeconds rounds remaining up to whole seconds, floored at 1.
func retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
