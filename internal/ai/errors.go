package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrUnavailable = errors.New("enrichment client unavailable")
	ErrEmptyBatch  = errors.New("enrichment batch is empty")
)

// UpstreamError is a non-2xx answer from the enrichment service.
type UpstreamError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("enrichment upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("enrichment upstream status %d: %s", e.StatusCode, e.Message)
}

func (e *UpstreamError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// TransportError wraps failures that never produced an HTTP status, such as
// connection resets or a per-attempt timeout.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "enrichment transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means the service answered but the body did not
// have the expected {"results": [...]} shape. Raw holds what was received.
type MalformedResponseError struct {
	Reason string
	Raw    json.RawMessage
}

func (e *MalformedResponseError) Error() string {
	return "malformed enrichment response: " + e.Reason
}

// ResponseBody returns the raw payload carried by err, if any.
func ResponseBody(err error) json.RawMessage {
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return malformed.Raw
	}
	return nil
}

// maxRetryAfter bounds a server-provided Retry-After before it is converted
// to a Duration.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || seconds <= 0 {
			return 0
		}
		if seconds >= maxRetryAfter.Seconds() {
			return maxRetryAfter
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return min(delay, maxRetryAfter)
		}
	}
	return 0
}

func truncateMessage(message string, limit int) string {
	message = strings.TrimSpace(message)
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
