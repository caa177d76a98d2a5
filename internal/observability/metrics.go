package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for transcode sessions and the HTTP API.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	sessionsTotal     *prometheus.CounterVec
	resolutionsTotal  *prometheus.CounterVec
	sessionDuration   prometheus.Histogram
	activeSessions    prometheus.Gauge
	artifactsHashed   prometheus.Counter
	bytesPackaged     prometheus.Counter
	httpRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsforge_sessions_total",
			Help: "Transcode sessions by terminal outcome",
		}, []string{"outcome", "strategy"}),
		resolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsforge_resolutions_total",
			Help: "Per-resolution encodes by outcome",
		}, []string{"height", "outcome"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hlsforge_session_duration_seconds",
			Help:    "Wall-clock duration of transcode sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hlsforge_active_sessions",
			Help: "Transcode sessions currently running",
		}),
		artifactsHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsforge_artifacts_hashed_total",
			Help: "Segments and playlists assigned a content address",
		}),
		bytesPackaged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hlsforge_packaged_bytes_total",
			Help: "Bytes of packaged output across all sessions",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hlsforge_http_requests_total",
			Help: "HTTP requests by status class",
		}, []string{"class"}),
	}

	registry.MustRegister(
		m.sessionsTotal,
		m.resolutionsTotal,
		m.sessionDuration,
		m.activeSessions,
		m.artifactsHashed,
		m.bytesPackaged,
		m.httpRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionFinished records a terminal session outcome ("complete" or "error").
func (m *Metrics) SessionFinished(outcome, strategy string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessionsTotal.WithLabelValues(outcome, strategy).Inc()
	m.sessionDuration.Observe(elapsed.Seconds())
}

// ResolutionFinished records one resolution's outcome.
func (m *Metrics) ResolutionFinished(height int, outcome string) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(strconv.Itoa(height), outcome).Inc()
}

// ArtifactsHashed adds n content-addressed artifacts totalling size bytes.
func (m *Metrics) ArtifactsHashed(n int, size int64) {
	if m == nil {
		return
	}
	m.artifactsHashed.Add(float64(n))
	m.bytesPackaged.Add(float64(size))
}

// ObserveHTTP counts one HTTP response by status class (2xx, 4xx, ...).
func (m *Metrics) ObserveHTTP(status int) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
