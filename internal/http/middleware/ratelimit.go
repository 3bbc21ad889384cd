package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Admitter is the inbound side of the token bucket.
type Admitter interface {
	TryAcquire(n int) bool
	RetryAfterSeconds(n int) int
}

// RateLimit spends one token per request under pathPrefix. Rejected
// requests get 429 with Retry-After in whole seconds.
func RateLimit(limiter Admitter, pathPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, pathPrefix) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.TryAcquire(1) {
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfterSeconds(1)))
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
