package auth

import (
	"net/http"
	"strings"
	"time"
)

const bearerPrefix = "Bearer "

// RequireBearer verifies the bearer token and injects the tenant slug into
// the request context.
func RequireBearer(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(raw) < len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
				unauthorized(w)
				return
			}
			slug, err := m.Verify(strings.TrimSpace(raw[len(bearerPrefix):]), time.Now())
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSlug(r.Context(), slug)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
}
