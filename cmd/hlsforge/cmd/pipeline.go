package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/encode"
	"github.com/jmylchreest/hlsforge/internal/engine"
	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/preview"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/scheduler"
	"github.com/jmylchreest/hlsforge/internal/service"
	"github.com/jmylchreest/hlsforge/internal/startup"
	"github.com/jmylchreest/hlsforge/internal/storage"
	"github.com/jmylchreest/hlsforge/internal/transcode"
)

// binaryCacheTTL bounds how long a detected ffmpeg binary is trusted.
const binaryCacheTTL = 10 * time.Minute

// lockWorkspace takes the exclusive lock on the storage base directory.
// Worker workspaces and the engine sandbox are not safe to share between
// processes.
func lockWorkspace(cfg *config.Config) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.Storage.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	lock := flock.New(cfg.Storage.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking workspace: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is in use by another hlsforge process", cfg.Storage.BaseDir)
	}
	return lock, nil
}

// encodeOptions maps the transcode defaults onto encoder options.
func encodeOptions(cfg *config.Config) encode.Options {
	return encode.Options{
		Speed:           cfg.Transcode.Speed,
		QualityMode:     cfg.Transcode.QualityMode,
		SegmentDuration: cfg.Transcode.SegmentDuration,
		Threads:         cfg.FFmpeg.Threads,
		Timeout:         cfg.FFmpeg.ExecTimeout,
	}.WithDefaults()
}

// newPipeline builds the shared engine and the orchestrator over it.
// registry may be nil when no preview is served.
func newPipeline(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, registry *preview.Registry) (*engine.Manager, *transcode.Orchestrator, error) {
	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath).WithCacheTTL(binaryCacheTTL)

	eng := engine.NewManager(engine.Options{
		Dir:       filepath.Join(cfg.Storage.BaseDir, "engine"),
		Bootstrap: detector,
		Logger:    logger,
	})

	workspace, err := storage.NewSandbox(cfg.Storage.WorkPath())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing worker workspace: %w", err)
	}

	orch, err := transcode.New(transcode.Config{
		Engine:            eng,
		Workspace:         workspace,
		Bootstrap:         detector,
		Runner:            engine.ExecRunner{},
		Gateway:           cfg.Content.GatewayURL,
		Preview:           registry,
		PosterFormat:      cfg.Transcode.PosterFormat,
		StallWindow:       cfg.Transcode.StallWindow,
		MaxStalls:         cfg.Transcode.MaxStalls,
		WorkerInitTimeout: cfg.Transcode.WorkerInitTimeout,
		ExecTimeout:       cfg.FFmpeg.ExecTimeout,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing orchestrator: %w", err)
	}
	return eng, orch, nil
}

// maintenanceTasks are the steps of the periodic cleanup sweep.
func maintenanceTasks(cfg *config.Config, logger *slog.Logger, svc *service.TranscodeService, registry *preview.Registry, repo repository.TranscodeRepository) []scheduler.Task {
	tasks := []scheduler.Task{
		{Name: "workspaces", Run: func(context.Context) (int, error) {
			return startup.CleanupOrphanedWorkspaces(logger, cfg.Storage.WorkPath(), cfg.Cleanup.MaxAge)
		}},
		{Name: "results", Run: func(context.Context) (int, error) {
			return svc.PruneResults(cfg.Preview.TTL), nil
		}},
		{Name: "previews", Run: func(context.Context) (int, error) {
			return registry.Sweep(cfg.Preview.TTL), nil
		}},
	}
	if cfg.Cleanup.LedgerRetention > 0 {
		tasks = append(tasks, scheduler.Task{Name: "ledger", Run: func(ctx context.Context) (int, error) {
			n, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-cfg.Cleanup.LedgerRetention))
			return int(n), err
		}})
	}
	return tasks
}

// transcoderStatus reports the engine and session state to the health handler.
type transcoderStatus struct {
	*service.TranscodeService
	engine *engine.Manager
}

func (s transcoderStatus) EngineLoaded() bool { return s.engine.Loaded() }
