package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsAllowedHeaders = strings.Join([]string{"Accept", "Authorization", "Content-Type", "X-Request-Id"}, ", ")
	corsExposedHeaders = strings.Join([]string{"Retry-After", "X-Request-Id"}, ", ")
)

// CORS lets browser dashboards on the listed origins call the API. Retry-After
// is exposed so clients can back off on 429. No origins disables it.
func CORS(allowedOrigins []string, maxAgeSeconds int) func(http.Handler) http.Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	allowAny := false
	for _, origin := range allowedOrigins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAny = true
		}
		origins[origin] = struct{}{}
	}
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = 600
	}
	maxAge := strconv.Itoa(maxAgeSeconds)

	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := origins[strings.ToLower(origin)]; !ok && !allowAny {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if allowAny {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}
			header.Set("Access-Control-Expose-Headers", corsExposedHeaders)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				header.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				header.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				header.Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
