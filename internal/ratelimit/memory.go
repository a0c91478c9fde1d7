package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// windowState is one identifier's counter for its current window.
type windowState struct {
	resetAt time.Time
	count   int
}

// MemoryStore keeps window counters in process memory.
//
// It is safe for concurrent use; the check-and-increment for a key happens
// under a single lock so the budget is never overshot. A background
// goroutine evicts windows that have ended. Use RedisStore when more than
// one replica serves traffic.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]windowState
	now     func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithSweepInterval sets how often ended windows are evicted.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.sweepEvery = d
		}
	}
}

// NewMemoryStore creates a MemoryStore and starts its sweep loop. The loop
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows:    make(map[string]windowState),
		now:        time.Now,
		sweepEvery: defaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.sweep(ctx)
	return s
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.windows[key]
	if !ok || !now.Before(st.resetAt) {
		s.windows[key] = windowState{resetAt: now.Add(window), count: 1}
		return true, 0, nil
	}
	if st.count >= limit {
		return false, st.resetAt.Sub(now), nil
	}
	st.count++
	s.windows[key] = st
	return true, 0, nil
}

// Len returns the number of tracked identifiers, including ended windows
// not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close stops the sweep loop. It is safe to call more than once.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictEnded()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// evictEnded removes every window whose reset time has passed.
func (s *MemoryStore) evictEnded() {
	now := s.now()

	s.mu.Lock()
	for k, st := range s.windows {
		if !now.Before(st.resetAt) {
			delete(s.windows, k)
		}
	}
	s.mu.Unlock()
}
