package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires a bearer token on paths under pathPrefix. An empty token
// disables the check.
func Auth(requiredToken string, pathPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if requiredToken == "" {
			return next
		}
		expected := []byte(requiredToken)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, pathPrefix) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			const prefix = "Bearer "
			authorization := r.Header.Get("Authorization")
			if !strings.HasPrefix(authorization, prefix) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			token := []byte(strings.TrimSpace(strings.TrimPrefix(authorization, prefix)))
			if subtle.ConstantTimeCompare(token, expected) != 1 {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
