// Package worker runs one resolution's encode in an isolated engine. A worker
// owns its engine session and sandbox; the caller talks to it only through
// Request and Event messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/encode"
	"github.com/jmylchreest/hlsforge/internal/engine"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/storage"
)

// DefaultInitTimeout bounds how long Initialize waits for the engine.
const DefaultInitTimeout = 10 * time.Second

var (
	// ErrInitTimeout is returned when a worker does not report Initialized in time.
	ErrInitTimeout = errors.New("worker initialization timed out")
	// ErrTerminated is returned for requests to a stopped worker.
	ErrTerminated = errors.New("worker terminated")
	// ErrRemote wraps failures reported by the worker through an Error event.
	ErrRemote = errors.New("worker error")
)

// Config configures a worker.
type Config struct {
	// Name identifies the worker in logs and names its sandbox directory.
	Name string
	// Workspace holds the worker's sandbox directory, removed when it exits.
	// It is required.
	Workspace   *storage.Sandbox
	Bootstrap   engine.Bootstrapper
	Runner      engine.Runner
	InitTimeout time.Duration
	// ExecTimeout bounds each ffmpeg command; zero means none.
	ExecTimeout time.Duration
	Logger      *slog.Logger
}

// Worker is the caller's handle on a running worker goroutine.
type Worker struct {
	cfg      Config
	logger   *slog.Logger
	requests chan Request
	events   chan Event
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Spawn starts a worker. It does nothing until Initialize is called.
func Spawn(ctx context.Context, cfg Config) *Worker {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		cfg:      cfg,
		logger:   observability.WithComponent(cfg.Logger, "worker").With(slog.String("worker", cfg.Name)),
		requests: make(chan Request),
		events:   make(chan Event, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Initialize loads the worker's engine. If Initialized does not arrive within
// the init timeout the worker is terminated and ErrInitTimeout returned.
func (w *Worker) Initialize(ctx context.Context) (Initialized, error) {
	timer := time.NewTimer(w.cfg.InitTimeout)
	defer timer.Stop()

	if err := w.send(ctx, Initialize{}, timer.C); err != nil {
		return Initialized{}, err
	}

	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return Initialized{}, ErrTerminated
			}
			switch ev := ev.(type) {
			case Initialized:
				return ev, nil
			case Error:
				return Initialized{}, fmt.Errorf("%w: %s", ErrRemote, ev.Message)
			}
		case <-timer.C:
			w.logger.Warn("worker did not initialize in time", slog.Duration("timeout", w.cfg.InitTimeout))
			w.Terminate()
			return Initialized{}, ErrInitTimeout
		case <-ctx.Done():
			w.Terminate()
			return Initialized{}, ctx.Err()
		}
	}
}

// TranscodeResolution hands req to the worker and waits for its result. Progress
// events are passed to onProgress, which may be nil. Cancelling ctx terminates
// the worker.
func (w *Worker) TranscodeResolution(ctx context.Context, req TranscodeResolution, onProgress func(Progress)) ([]artifact.File, error) {
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	if err := w.send(ctx, req, nil); err != nil {
		return nil, err
	}

	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				return nil, ErrTerminated
			}
			switch ev := ev.(type) {
			case Progress:
				if ev.OperationID == req.OperationID && onProgress != nil {
					onProgress(ev)
				}
			case ResolutionComplete:
				if ev.OperationID == req.OperationID {
					return ev.Files, nil
				}
			case Error:
				if ev.OperationID == req.OperationID {
					return nil, fmt.Errorf("%w: %s", ErrRemote, ev.Message)
				}
			}
		case <-ctx.Done():
			w.Terminate()
			return nil, ctx.Err()
		}
	}
}

// Terminate stops the worker, aborting any running encode, and waits for it
// to exit. It is safe to call more than once.
func (w *Worker) Terminate() {
	w.stopOnce.Do(func() {
		select {
		case w.requests <- Terminate{}:
		default:
		}
		w.cancel()
	})
	<-w.done
}

// Done is closed once the worker has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) send(ctx context.Context, req Request, timeout <-chan time.Time) error {
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrTerminated
	case <-timeout:
		w.Terminate()
		return ErrInitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the worker side of the protocol.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	if w.cfg.Workspace == nil {
		w.logger.Error("worker has no workspace")
		return
	}
	sandboxDir, err := w.cfg.Workspace.ResolvePath(w.cfg.Name)
	if err != nil {
		w.logger.Error("invalid worker sandbox", slog.String("error", err.Error()))
		return
	}
	defer func() {
		if err := w.cfg.Workspace.RemoveAll(w.cfg.Name); err != nil {
			w.logger.Warn("removing worker sandbox failed", slog.String("error", err.Error()))
		}
	}()

	mgr := engine.NewManager(engine.Options{
		Dir:       sandboxDir,
		Bootstrap: w.cfg.Bootstrap,
		Runner:    w.cfg.Runner,
		Logger:    w.logger,
	})
	defer mgr.Terminate()

	for {
		var req Request
		select {
		case req = <-w.requests:
		case <-ctx.Done():
			return
		}

		switch req := req.(type) {
		case Initialize:
			w.handleInitialize(ctx, mgr)
		case TranscodeResolution:
			w.handleTranscode(ctx, mgr, req)
		case Terminate:
			w.logger.Debug("worker terminating")
			return
		}
	}
}

func (w *Worker) handleInitialize(ctx context.Context, mgr *engine.Manager) {
	if err := mgr.Load(ctx); err != nil {
		w.emit(ctx, Error{Message: err.Error()})
		return
	}

	threads := 1
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		threads = n
	}
	ev := Initialized{Threads: threads, MultiThreaded: threads > 1}
	if info := mgr.Info(); info != nil {
		ev.Version = info.Version
	}
	w.emit(ctx, ev)
}

func (w *Worker) handleTranscode(ctx context.Context, mgr *engine.Manager, req TranscodeResolution) {
	fail := func(err error) {
		w.emit(ctx, Error{OperationID: req.OperationID, Message: err.Error()})
	}
	if !mgr.Loaded() {
		fail(engine.ErrNotLoaded)
		return
	}

	ns, err := storage.NewNamespace(mgr, req.SessionID)
	if err != nil {
		fail(err)
		return
	}
	defer func() {
		if result := ns.Purge(); !result.OK() {
			w.logger.Warn("worker cleanup incomplete", slog.Any("cleanup", result))
		}
	}()

	if err := ns.Write(req.InputName, req.InputBytes); err != nil {
		fail(fmt.Errorf("writing input: %w", err))
		return
	}
	req.InputBytes = nil

	unsubscribe := mgr.OnProgress(func(p engine.ProgressEvent) {
		w.emit(ctx, Progress{
			OperationID: req.OperationID,
			Resolution:  req.Resolution,
			Percent:     p.Progress * 100,
			Time:        p.Time,
		})
	})
	defer unsubscribe()

	opts := req.Options
	if opts.Timeout <= 0 {
		opts.Timeout = w.cfg.ExecTimeout
	}
	out, err := encode.Resolution(ctx, mgr, ns, req.InputName, req.Resolution, opts)
	if err != nil {
		fail(err)
		return
	}
	w.emit(ctx, ResolutionComplete{OperationID: req.OperationID, Files: out.Files()})
}

// emit delivers ev unless the worker is being torn down.
func (w *Worker) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
