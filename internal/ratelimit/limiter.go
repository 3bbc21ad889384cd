package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/time/rate"
)

var ErrExceedsCapacity = errors.New("requested tokens exceed bucket capacity")

// Limiter is a token bucket with continuous refill. The underlying
// rate.Limiter serializes every check-and-decrement, so it is safe to share
// between concurrent callers.
type Limiter struct {
	bucket   *rate.Limiter
	capacity int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Config struct {
	RatePerSecond float64
	Capacity      int
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
	// Sleep overrides how Wait suspends between acquisition attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = int(math.Ceil(cfg.RatePerSecond))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Limiter{
		bucket:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Capacity),
		capacity: cfg.Capacity,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
	}
}

// TryAcquire consumes n tokens if they are available right now.
func (l *Limiter) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	return l.bucket.AllowN(l.now(), n)
}

// TimeUntilAvailable estimates how long until n tokens can be taken.
// It returns rate.InfDuration when n can never fit in the bucket.
func (l *Limiter) TimeUntilAvailable(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if n > l.capacity {
		return rate.InfDuration
	}
	tokens := l.bucket.TokensAt(l.now())
	deficit := float64(n) - tokens
	if deficit <= 0 {
		return 0
	}
	wait := time.Duration(math.Ceil(deficit / float64(l.bucket.Limit()) * float64(time.Second)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

// Wait blocks until n tokens were acquired. It never drops the request,
// only delays it, and returns early when ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if n > l.capacity {
		return ErrExceedsCapacity
	}
	for {
		if l.TryAcquire(n) {
			return nil
		}
		if err := l.sleep(ctx, l.TimeUntilAvailable(n)); err != nil {
			return err
		}
	}
}

func (l *Limiter) Capacity() int {
	return l.capacity
}

func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}

// RetryAfterSeconds renders TimeUntilAvailable as a whole-second header value,
// never lower than one.
func (l *Limiter) RetryAfterSeconds(n int) int {
	wait := l.TimeUntilAvailable(n)
	if wait == rate.InfDuration {
		return math.MaxInt32
	}
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
