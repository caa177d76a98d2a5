package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// The API only takes GET, POST and DELETE. Range is allowed so browser
// players can seek through preview segments served from another origin.
var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{"Accept", "Authorization", "Content-Type", "Range", RequestIDHeader}, ", ")
	corsExposed = strings.Join([]string{"Location", RequestIDHeader, "Content-Length", "Content-Range", "Accept-Ranges"}, ", ")
)

const corsMaxAge = "86400"

// CORS admits cross-origin calls from origins. An empty list, or "*",
// admits any origin. Only true preflights (OPTIONS carrying
// Access-Control-Request-Method) are answered here; other requests pass
// through with the allow headers attached.
func CORS(origins ...string) func(http.Handler) http.Handler {
	anyOrigin := len(origins) == 0 || slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin == "" || !(anyOrigin || slices.Contains(origins, origin)) {
				next.ServeHTTP(w, r)
				return
			}

			if anyOrigin {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Expose-Headers", corsExposed)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
