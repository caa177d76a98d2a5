// Package http provides the HTTP server and API handlers for hlsforge.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/http/middleware"
	"github.com/jmylchreest/hlsforge/internal/observability"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to (default: "0.0.0.0").
	Host string
	// Port is the port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the response.
	// Zero disables it, which SSE streams and large uploads need.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration
	// CORSOrigins lists allowed origins; empty allows all.
	CORSOrigins []string
	// PreviewPath is the preview mount prefix; its successful fetches are not logged.
	PreviewPath string
	// Metrics, when set, counts responses by status class.
	Metrics *observability.Metrics
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		PreviewPath:     "/preview",
	}
}

// ServerConfigFrom maps the application configuration onto a ServerConfig.
func ServerConfigFrom(cfg *config.Config, metrics *observability.Metrics) ServerConfig {
	sc := DefaultServerConfig()
	sc.Host = cfg.Server.Host
	sc.Port = cfg.Server.Port
	sc.ReadTimeout = cfg.Server.ReadTimeout
	sc.WriteTimeout = cfg.Server.WriteTimeout
	sc.ShutdownTimeout = cfg.Server.ShutdownTimeout
	sc.CORSOrigins = cfg.Server.CORSOrigins
	sc.PreviewPath = cfg.Preview.BasePath
	sc.Metrics = metrics
	return sc
}

// Server represents the HTTP server.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new HTTP server with the given configuration.
// The version parameter is used in the OpenAPI spec and should match the build version.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	logger = observability.WithComponent(logger, "http")

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger, config.PreviewPath+"/", "/health", "/livez", "/readyz"))
	router.Use(middleware.Recovery(logger, config.PreviewPath))
	if config.Metrics != nil {
		router.Use(middleware.Metrics(config.Metrics))
	}
	router.Use(middleware.CORS(config.CORSOrigins...))

	// SSE (text/event-stream) requires unbuffered streaming; compression interferes with flushing.
	router.Use(middleware.SkipCompressionForSSE(middleware.Compress(5)))

	humaConfig := huma.DefaultConfig("hlsforge API", version)
	humaConfig.Info.Description = "Video transcoding and content-addressed HLS packaging API"

	api := humachi.New(router, humaConfig)

	return &Server{
		config: config,
		router: router,
		api:    api,
		logger: logger,
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Mount serves handler under prefix with the prefix stripped.
func (s *Server) Mount(prefix string, handler http.Handler) {
	prefix = "/" + strings.Trim(prefix, "/")
	s.router.Mount(prefix, http.StripPrefix(prefix, handler))
}

// Handle serves handler at an exact path.
func (s *Server) Handle(path string, handler http.Handler) {
	s.router.Method(http.MethodGet, path, handler)
}

// Address returns the host:port the server listens on.
func (s *Server) Address() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// Start starts the HTTP server. Cleartext HTTP/2 is accepted alongside
// HTTP/1.1 so players can multiplex segment fetches from the preview.
func (s *Server) Start() error {
	addr := s.Address()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP server",
		slog.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("starting server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
