package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/observability"
)

func TestServerConfigFrom(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9000
	cfg.Server.CORSOrigins = []string{"https://app.example"}
	cfg.Preview.BasePath = "/pv"

	sc := ServerConfigFrom(cfg, nil)
	assert.Equal(t, "127.0.0.1", sc.Host)
	assert.Equal(t, 9000, sc.Port)
	assert.Equal(t, "/pv", sc.PreviewPath)
	assert.Equal(t, DefaultServerConfig().IdleTimeout, sc.IdleTimeout)

	s := NewServer(sc, observability.NewDiscardLogger(), "")
	assert.Equal(t, "127.0.0.1:9000", s.Address())
}

func TestServer_MountAndHandle(t *testing.T) {
	metrics := observability.NewMetrics()
	sc := DefaultServerConfig()
	sc.Metrics = metrics
	s := NewServer(sc, observability.NewDiscardLogger(), "1.2.3")

	var seenPath string
	s.Mount("/preview/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		_, _ = io.WriteString(w, "#EXTM3U\n")
	}))
	s.Handle("/metrics", metrics.Handler())

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/preview/tok/master.m3u8", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/tok/master.m3u8", seenPath)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hlsforge_http_requests_total")
}

func TestServer_OpenAPI(t *testing.T) {
	s := NewServer(DefaultServerConfig(), observability.NewDiscardLogger(), "1.2.3")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"hlsforge API"`))
	assert.Contains(t, rec.Body.String(), `"1.2.3"`)
}

func TestServer_CORSPreflight(t *testing.T) {
	sc := DefaultServerConfig()
	sc.CORSOrigins = []string{"https://app.example"}
	s := NewServer(sc, observability.NewDiscardLogger(), "")

	req := httptest.NewRequest("OPTIONS", "/api/v1/transcodes", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
