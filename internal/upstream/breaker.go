package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/crushworry/comfort-gateway/internal/prompt"
)

// Breaker defaults.
const (
	DefaultBreakerWindow   = 60 * time.Second
	DefaultBreakerCooldown = 30 * time.Second
)

// breakerState represents the operational state of the upstream circuit.
//
//	stateClosed  : normal operation; all calls pass through.
//	stateOpen    : upstream is failing; calls are rejected immediately.
//	stateHalfOpen: recovery probe; one call is allowed through.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Completer is the call a Breaker guards.
type Completer interface {
	Complete(ctx context.Context, msgs []prompt.Message) (*Completion, error)
	HasCredential() bool
	Model() string
}

// BreakerConfig holds circuit breaker tuning parameters.
type BreakerConfig struct {
	// Threshold is the number of failures within Window that trips the
	// breaker. Required.
	Threshold int

	// Window is the error-counting window. Default: DefaultBreakerWindow.
	Window time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe call. Default: DefaultBreakerCooldown.
	Cooldown time.Duration

	// OnStateChange, when set, is called after every transition with the
	// new state name: "closed", "open" or "half_open". It runs under the
	// breaker lock and must not call back into the Breaker.
	OnStateChange func(state string)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker wraps a Completer with a circuit breaker. Timeouts, transport
// failures, 429 and 5xx responses count as failures. It is safe for
// concurrent use.
type Breaker struct {
	Completer

	cfg BreakerConfig

	mu            sync.Mutex
	state         breakerState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped
	probeInflight bool      // true while a half-open probe is in flight
}

// NewBreaker wraps next. cfg.Threshold must be positive.
func NewBreaker(next Completer, cfg BreakerConfig) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultBreakerWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerCooldown
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		Completer:   next,
		cfg:         cfg,
		windowStart: cfg.Now(),
	}
}

// Complete calls the wrapped Completer unless the circuit is open.
func (b *Breaker) Complete(ctx context.Context, msgs []prompt.Message) (*Completion, error) {
	if !b.allow() {
		return nil, ErrCircuitOpen
	}

	c, err := b.Completer.Complete(ctx, msgs)
	switch {
	case err == nil:
		b.recordSuccess()
	case isFailure(err):
		b.recordFailure()
	case errors.Is(err, ErrMissingCredential), errors.Is(err, context.Canceled):
		// No verdict on upstream health.
		b.releaseProbe()
	default:
		// The upstream answered, so it is reachable.
		b.recordSuccess()
	}
	return c, err
}

// State returns "closed", "open" or "half_open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// allow reports whether the next call may proceed.
//
//   - Closed   → always true.
//   - Open     → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.setState(stateHalfOpen)
			b.probeInflight = true
			return true
		}
		return false

	case stateHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(stateClosed)
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = b.cfg.Now()
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	if now.Sub(b.windowStart) > b.cfg.Window {
		b.errorCount = 0
		b.windowStart = now
	}

	b.errorCount++
	b.probeInflight = false

	// A failed probe reopens immediately.
	if b.state == stateHalfOpen || b.errorCount >= b.cfg.Threshold {
		b.openedAt = now
		b.setState(stateOpen)
	}
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInflight = false
}

// setState must be called with mu held.
func (b *Breaker) setState(s breakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(s.String())
	}
}

func isFailure(err error) bool {
	var (
		timeoutErr   *TimeoutError
		httpErr      *HTTPError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return true
	case errors.As(err, &httpErr):
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= http.StatusInternalServerError
	case errors.As(err, &transportErr):
		return !errors.Is(err, context.Canceled)
	}
	return false
}
