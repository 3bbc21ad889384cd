package ai

import (
	"context"
	"errors"
	"time"
)

type RetryPolicy struct {
	// MaxAttempts counts every call, including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1500 * time.Millisecond,
		MaxDelay:    time.Minute,
	}
}

// Next decides what happens after attempt number `attempt` (1-based) failed
// with err. Delays double from BaseDelay; a 429 carrying Retry-After uses
// the server's value instead, bounded by MaxDelay.
func (p RetryPolicy) Next(attempt int, err error) RetryDecision {
	if err == nil || attempt >= p.maxAttempts() {
		return RetryDecision{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrEmptyBatch) {
		return RetryDecision{}
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.RateLimited() && upstream.RetryAfter > 0 {
		delay := upstream.RetryAfter
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		return RetryDecision{Retry: true, Delay: delay}
	}
	return RetryDecision{Retry: true, Delay: p.backoff(attempt)}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
