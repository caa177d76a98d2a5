package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/jmylchreest/hlsforge/internal/observability"
)

const transcodesPrefix = "/api/v1/transcodes/"

// Recovery turns a handler panic into a 500 and logs it against the
// transcode or preview the request addressed. previewPrefix is the mount
// point of the preview gateway, e.g. "/preview".
//
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
// When the handler had already started a response (an event stream or a
// segment body), nothing more is written.
func Recovery(logger *slog.Logger, previewPrefix string) func(http.Handler) http.Handler {
	if previewPrefix = strings.TrimSuffix(previewPrefix, "/"); previewPrefix != "" {
		previewPrefix += "/"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				log := observability.LoggerFromContext(r.Context())
				if log == slog.Default() {
					log = logger.With(slog.String("request_id", GetRequestID(r.Context())))
				}
				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				}
				if id := pathSegment(r.URL.Path, transcodesPrefix); id != "" {
					attrs = append(attrs, slog.String("transcode_id", id))
				} else if token := pathSegment(r.URL.Path, previewPrefix); token != "" {
					attrs = append(attrs, slog.String("preview_token", token))
				}
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
				log.ErrorContext(r.Context(), "handler panicked", attrs...)

				if started(w) {
					return
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// pathSegment returns the path element directly under prefix.
func pathSegment(path, prefix string) string {
	rest, ok := strings.CutPrefix(path, prefix)
	if prefix == "" || !ok {
		return ""
	}
	seg, _, _ := strings.Cut(rest, "/")
	return seg
}

// started reports whether a response has already been committed to w.
func started(w http.ResponseWriter) bool {
	for w != nil {
		if rw, ok := w.(*responseWriter); ok {
			return rw.wroteHeader
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return false
		}
		w = u.Unwrap()
	}
	return false
}
