package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes are the response types worth compressing. Segments and
// posters are already compressed media.
var compressibleTypes = []string{
	"application/json",
	"application/problem+json",
	"application/vnd.apple.mpegurl",
	"text/plain",
	"text/html",
}

// Compress returns a compression middleware offering brotli before gzip and
// deflate.
func Compress(level int) func(http.Handler) http.Handler {
	c := chimiddleware.NewCompressor(level, compressibleTypes...)
	c.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	return c.Handler
}

// SkipCompressionForSSE wraps a compression middleware handler to skip
// compression for SSE (Server-Sent Events) endpoints.
// SSE requires unbuffered streaming; compression middleware interferes with flushing.
func SkipCompressionForSSE(compressionHandler func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
				next.ServeHTTP(w, r)
				return
			}

			if strings.HasSuffix(r.URL.Path, "/events") && strings.Contains(r.URL.Path, "/progress/") {
				next.ServeHTTP(w, r)
				return
			}

			compressedHandler.ServeHTTP(w, r)
		})
	}
}
