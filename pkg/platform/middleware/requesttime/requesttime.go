// Package requesttime pins one "now" per request so audit timestamps, consent
// expiry checks and disclosure records inside a request agree.
package requesttime

import (
	"net/http"
	"time"

	"anchorid/pkg/requestcontext"
)

// Middleware stamps the request with time.Now.
func Middleware(next http.Handler) http.Handler {
	return WithClock(time.Now)(next)
}

// WithClock stamps the request with the given clock's reading.
func WithClock(clock func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), clock().UTC())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
