package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTryAcquireNeverExceedsBurstCapacity(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{RatePerSecond: 100, Capacity: 100, Now: clock.Now})

	accepted := 0
	for i := 0; i < 150; i++ {
		if limiter.TryAcquire(1) {
			accepted++
		}
	}
	if accepted != 100 {
		t.Fatalf("expected exactly 100 admissions, got %d", accepted)
	}
	wait := limiter.TimeUntilAvailable(1)
	if wait <= 0 || wait > 11*time.Millisecond {
		t.Fatalf("expected ~10ms until next token, got %s", wait)
	}
	if got := limiter.RetryAfterSeconds(1); got != 1 {
		t.Fatalf("expected retry-after floor of 1 second, got %d", got)
	}
}

func TestTryAcquireIsAtomicUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{RatePerSecond: 50, Capacity: 100, Now: clock.Now})

	var accepted int64
	var wg sync.WaitGroup
	for worker := 0; worker < 20; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if limiter.TryAcquire(1) {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}()
	}
	wg.Wait()

	if accepted != 100 {
		t.Fatalf("expected 100 tokens handed out across goroutines, got %d", accepted)
	}
}

func TestSustainedRateIsBoundedByRefill(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{RatePerSecond: 10, Capacity: 10, Now: clock.Now})

	accepted := 0
	for step := 0; step <= 1000; step++ {
		for limiter.TryAcquire(1) {
			accepted++
		}
		clock.Advance(time.Millisecond)
	}

	// One full burst plus one second of continuous refill.
	if accepted > 20 || accepted < 19 {
		t.Fatalf("expected between 19 and 20 admissions over one second, got %d", accepted)
	}
}

func TestRefillIsContinuousAndCapped(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{RatePerSecond: 10, Capacity: 5, Now: clock.Now})
	if !limiter.TryAcquire(5) {
		t.Fatalf("expected full bucket at start")
	}
	if limiter.TryAcquire(1) {
		t.Fatalf("expected empty bucket")
	}

	clock.Advance(250 * time.Millisecond)
	if !limiter.TryAcquire(2) {
		t.Fatalf("expected 2.5 tokens after 250ms")
	}
	if limiter.TryAcquire(1) {
		t.Fatalf("expected only fractional token left")
	}

	clock.Advance(time.Hour)
	if limiter.TryAcquire(6) {
		t.Fatalf("bucket must never exceed capacity")
	}
	if limiter.TimeUntilAvailable(5) != 0 {
		t.Fatalf("expected full bucket after a long idle period")
	}
}

func TestWaitDelaysInsteadOfDropping(t *testing.T) {
	clock := newFakeClock()
	var slept time.Duration
	limiter := New(Config{
		RatePerSecond: 10,
		Capacity:      1,
		Now:           clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept += d
			clock.Advance(d)
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background(), 1); err != nil {
			t.Fatalf("wait failed: %v", err)
		}
	}
	if slept < 190*time.Millisecond || slept > 210*time.Millisecond {
		t.Fatalf("expected ~200ms of waiting for two refills, got %s", slept)
	}
}

func TestWaitRejectsRequestsLargerThanCapacity(t *testing.T) {
	limiter := New(Config{RatePerSecond: 1, Capacity: 2})
	if err := limiter.Wait(context.Background(), 3); err != ErrExceedsCapacity {
		t.Fatalf("expected ErrExceedsCapacity, got %v", err)
	}
}

func TestWaitHonoursCancellation(t *testing.T) {
	limiter := New(Config{RatePerSecond: 0.001, Capacity: 1})
	if !limiter.TryAcquire(1) {
		t.Fatalf("expected initial token")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, 1); err == nil {
		t.Fatalf("expected context error")
	}
}
