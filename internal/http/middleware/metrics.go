package middleware

import (
	"net/http"

	"github.com/jmylchreest/hlsforge/internal/observability"
)

// Metrics counts responses by status class.
func Metrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r)
			m.ObserveHTTP(wrapped.status)
		})
	}
}
