package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicyNext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	transient := &TransportError{Err: errors.New("connection reset")}

	cases := []struct {
		name    string
		attempt int
		err     error
		want    RetryDecision
	}{
		{"no error", 1, nil, RetryDecision{}},
		{"first failure", 1, transient, RetryDecision{Retry: true, Delay: time.Second}},
		{"second failure doubles", 2, transient, RetryDecision{Retry: true, Delay: 2 * time.Second}},
		{"attempts exhausted", 3, transient, RetryDecision{}},
		{"retry after wins on 429", 1, &UpstreamError{StatusCode: http.StatusTooManyRequests, RetryAfter: 2 * time.Second}, RetryDecision{Retry: true, Delay: 2 * time.Second}},
		{"429 without header backs off", 2, &UpstreamError{StatusCode: http.StatusTooManyRequests}, RetryDecision{Retry: true, Delay: 2 * time.Second}},
		{"4xx still retried", 1, &UpstreamError{StatusCode: http.StatusBadRequest}, RetryDecision{Retry: true, Delay: time.Second}},
		{"malformed retried", 2, &MalformedResponseError{Reason: "bad"}, RetryDecision{Retry: true, Delay: 2 * time.Second}},
		{"cancellation is final", 1, fmt.Errorf("wrapped: %w", context.Canceled), RetryDecision{}},
		{"unavailable is final", 1, ErrUnavailable, RetryDecision{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.Next(tc.attempt, tc.err); got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestRetryPolicyCapsDelay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := policy.Next(5, &TransportError{Err: errors.New("x")}); got.Delay != 3*time.Second {
		t.Fatalf("expected capped delay, got %s", got.Delay)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("5", now); got != 5*time.Second {
		t.Fatalf("expected 5s, got %s", got)
	}
	if got := parseRetryAfter("0.5", now); got != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %s", got)
	}
	date := now.Add(9 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 9*time.Second {
		t.Fatalf("expected 9s from http date, got %s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}

func TestParseRetryAfterBounds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		value string
		want  time.Duration
	}{
		"huge seconds":    {"100000000000", maxRetryAfter},
		"overflow float":  {"1e300", maxRetryAfter},
		"infinity":        {"+Inf", maxRetryAfter},
		"not a number":    {"NaN", 0},
		"negative":        {"-5", 0},
		"far future date": {now.AddDate(5, 0, 0).Format(http.TimeFormat), maxRetryAfter},
		"past date":       {now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := parseRetryAfter(tc.value, now); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRetryPolicyCapsRetryAfter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	err := &UpstreamError{StatusCode: http.StatusTooManyRequests, RetryAfter: maxRetryAfter}
	got := policy.Next(1, err)
	if !got.Retry || got.Delay != time.Minute {
		t.Fatalf("expected retry after capped to 1m, got %+v", got)
	}
}
