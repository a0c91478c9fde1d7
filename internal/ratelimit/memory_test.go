package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_EvictEnded(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(context.Background(), WithClock(func() time.Time { return now }))
	defer s.Close()

	ctx := context.Background()
	s.Hit(ctx, "old", time.Minute, 30)
	now = now.Add(30 * time.Second)
	s.Hit(ctx, "fresh", time.Minute, 30)

	now = now.Add(31 * time.Second)
	s.evictEnded()

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if _, ok := s.windows["fresh"]; !ok {
		t.Error("live window was evicted")
	}
}

func TestMemoryStore_SweepLoopStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(ctx, WithSweepInterval(time.Millisecond))
	s.Hit(ctx, "k", time.Nanosecond, 1)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep loop never evicted the ended window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	s.Close()
	s.Close()
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		-time.Second:            1,
		time.Millisecond:        1,
		time.Second:             1,
		time.Second + 1:         2,
		59*time.Second + 999999: 60,
	}
	for in, want := range cases {
		if got := retryAfterSeconds(in); got != want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
