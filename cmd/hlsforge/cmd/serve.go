package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsforge/internal/database"
	internalhttp "github.com/jmylchreest/hlsforge/internal/http"
	"github.com/jmylchreest/hlsforge/internal/http/handlers"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/preview"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/scheduler"
	"github.com/jmylchreest/hlsforge/internal/service"
	"github.com/jmylchreest/hlsforge/internal/service/progress"
	"github.com/jmylchreest/hlsforge/internal/startup"
	"github.com/jmylchreest/hlsforge/internal/transcode"
	"github.com/jmylchreest/hlsforge/internal/version"
)

// progressRetention is how long finished operations stay visible to clients.
const progressRetention = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hlsforge server",
	Long: `Start the hlsforge HTTP server and API.

The server provides:
- Transcode submission, status and upload plans under /api/v1/transcodes
- Live progress over server-sent events at /api/v1/progress/events
- Local preview playback of finished packages
- Health checks, Prometheus metrics and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "hlsforge.db", "Database DSN")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for workspaces and output")
	serveCmd.Flags().Int("max-concurrent", 2, "Maximum transcodes running at once")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("transcode.max_concurrent", serveCmd.Flags().Lookup("max-concurrent"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.Default()

	lock, err := lockWorkspace(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orphans, err := startup.CleanupOrphanedWorkspaces(logger, cfg.Storage.WorkPath(), cfg.Cleanup.MaxAge)
	if err != nil {
		logger.Warn("failed to clean orphaned workspaces", slog.String("error", err.Error()))
	} else if orphans > 0 {
		logger.Info("cleaned orphaned workspaces on startup", slog.Int("removed_count", orphans))
	}

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() { _ = db.Close() }()
	repo := repository.NewTranscodeRepository(db.DB)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	registry := preview.NewRegistry(cfg.Preview.BasePath)
	eng, orch, err := newPipeline(cfg, logger, metrics, registry)
	if err != nil {
		return err
	}
	defer eng.Terminate()

	// Warm the engine so the first upload does not pay for binary detection.
	go func() {
		if err := eng.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ffmpeg engine failed to load; transcodes will retry", slog.String("error", err.Error()))
		}
	}()

	progressService := progress.NewService(logger, progressRetention)
	progressService.Start(time.Minute)
	defer progressService.Stop()

	strategy, err := transcode.ParseStrategy(cfg.Transcode.Strategy)
	if err != nil {
		return err
	}
	svc := service.NewTranscodeService(repo, orch).
		WithLogger(logger).
		WithProgress(progressService).
		WithDefaults(strategy, encodeOptions(cfg)).
		WithConcurrency(cfg.Transcode.MaxConcurrent)

	if _, err := startup.RecoverInterruptedTranscodes(ctx, logger, svc); err != nil {
		return fmt.Errorf("recovering interrupted transcodes: %w", err)
	}

	if cfg.Cleanup.Enabled {
		sched, err := scheduler.NewScheduler(cfg.Cleanup.Schedule, maintenanceTasks(cfg, logger, svc, registry, repo)...)
		if err != nil {
			return fmt.Errorf("cleanup.schedule: %w", err)
		}
		sched.WithLogger(logger).WithProgress(progressService)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	maxUpload, err := cfg.Server.MaxUploadBytes()
	if err != nil {
		return fmt.Errorf("server.max_upload_size: %w", err)
	}

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg, metrics), logger, version.Version)

	handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithTranscoder(transcoderStatus{TranscodeService: svc, engine: eng}).
		Register(server.API())

	handlers.NewTranscodeHandler(svc).
		WithMaxUploadBytes(maxUpload).
		Register(server.API())

	progressHandler := handlers.NewProgressHandler(progressService).WithLogger(logger)
	progressHandler.Register(server.API())
	progressHandler.RegisterSSE(server.Router())

	server.Mount(cfg.Preview.BasePath, registry.Handler())
	if metrics != nil {
		server.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	logger.Info("starting hlsforge server",
		slog.String("address", server.Address()),
		slog.String("version", version.Version),
		slog.String("strategy", string(strategy)),
		slog.Int("max_concurrent", cfg.Transcode.MaxConcurrent),
	)

	serveErr := server.ListenAndServe(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("transcodes did not drain before shutdown", slog.String("error", err.Error()))
	}

	return serveErr
}
