// Package engine owns the ffmpeg engine session: lazy idempotent loading,
// command execution, a sandboxed filesystem and progress/log pub/sub.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/storage"
)

var (
	// ErrNotLoaded is returned by operations that need a loaded engine.
	ErrNotLoaded = errors.New("engine not loaded")
	// ErrTerminated is returned by a Load that Terminate overtook.
	ErrTerminated = errors.New("engine terminated during load")
)

const stderrTailLines = 20

// Bootstrapper discovers the ffmpeg binary. *ffmpeg.BinaryDetector implements it.
type Bootstrapper interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// Options configures a Manager.
type Options struct {
	// Dir is the sandbox root; it is created on Load.
	Dir       string
	Bootstrap Bootstrapper
	Runner    Runner
	Logger    *slog.Logger
}

// Manager is one engine session. It is safe for concurrent use, but commands
// share one sandbox, so callers isolate their files with storage.Namespace.
type Manager struct {
	dir       string
	bootstrap Bootstrapper
	runner    Runner
	logger    *slog.Logger

	loadGroup singleflight.Group
	loading   atomic.Int32

	mu         sync.RWMutex
	generation uint64
	loadCancel context.CancelFunc
	loaded     bool
	info    *ffmpeg.BinaryInfo
	sandbox *storage.Sandbox
	running map[uint64]context.CancelFunc

	subMu         sync.RWMutex
	nextID        uint64
	progressSubs  map[uint64]func(ProgressEvent)
	logSubs       map[uint64]func(LogEvent)
	bootstrapRuns atomic.Int64
}

// NewManager creates an unloaded Manager.
func NewManager(opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		dir:          opts.Dir,
		bootstrap:    opts.Bootstrap,
		runner:       opts.Runner,
		logger:       observability.WithComponent(opts.Logger, "engine"),
		running:      make(map[uint64]context.CancelFunc),
		progressSubs: make(map[uint64]func(ProgressEvent)),
		logSubs:      make(map[uint64]func(LogEvent)),
	}
}

// Load bootstraps the engine once. Concurrent callers share the in-flight
// attempt and its outcome. A failed attempt leaves the manager unloaded so a
// later call retries. A Terminate during the attempt makes it fail with
// ErrTerminated and publish nothing.
func (m *Manager) Load(ctx context.Context) error {
	if m.Loaded() {
		return nil
	}

	_, err, shared := m.loadGroup.Do("load", func() (any, error) {
		if m.Loaded() {
			return nil, nil
		}
		m.loading.Add(1)
		defer m.loading.Add(-1)
		return nil, m.doLoad(ctx)
	})
	if shared {
		m.logger.Debug("joined in-flight engine load")
	}
	return err
}

func (m *Manager) doLoad(ctx context.Context) error {
	m.bootstrapRuns.Add(1)
	start := time.Now()

	if m.bootstrap == nil {
		return fmt.Errorf("loading engine: no bootstrapper configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	gen := m.generation
	m.loadCancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.generation == gen {
			m.loadCancel = nil
		}
		m.mu.Unlock()
	}()

	info, err := m.bootstrap.Detect(ctx)
	if err != nil {
		if m.terminatedSince(gen) {
			return ErrTerminated
		}
		m.logger.Error("engine load failed", slog.String("error", err.Error()))
		return fmt.Errorf("loading engine: %w", err)
	}

	sandbox, err := storage.NewSandbox(m.dir)
	if err != nil {
		return fmt.Errorf("loading engine: %w", err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Debug("discarding engine load overtaken by terminate")
		return ErrTerminated
	}
	m.info = info
	m.sandbox = sandbox
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("engine loaded",
		slog.String("binary", info.Path),
		slog.String("version", info.Version),
		slog.String("sandbox", sandbox.BaseDir()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (m *Manager) terminatedSince(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation != gen
}

// Loaded reports whether Load has succeeded since the last Terminate.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Loading reports whether a bootstrap is in flight.
func (m *Manager) Loading() bool {
	return m.loading.Load() > 0
}

// Info returns the detected binary, or nil before Load.
func (m *Manager) Info() *ffmpeg.BinaryInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

// BootstrapCount returns how many bootstraps have run.
func (m *Manager) BootstrapCount() int64 {
	return m.bootstrapRuns.Load()
}

func (m *Manager) loadedState() (*ffmpeg.BinaryInfo, *storage.Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, nil, ErrNotLoaded
	}
	return m.info, m.sandbox, nil
}

// Exec runs one ffmpeg command in the sandbox. A non-positive timeout means no
// limit beyond ctx. Diagnostic output is published to log subscribers and
// parsed into progress events.
func (m *Manager) Exec(ctx context.Context, args []string, timeout time.Duration) error {
	info, sandbox, err := m.loadedState()
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, release := m.track(ctx)
	defer release()

	m.logger.Debug("exec", slog.String("args", strings.Join(args, " ")))

	pr, pw := io.Pipe()
	done := make(chan *tail, 1)
	go func() {
		done <- m.consumeStderr(pr)
	}()

	runErr := m.runner.Run(ctx, sandbox.BaseDir(), info.Path, args, pw)
	pw.Close()
	lines := <-done

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = fmt.Errorf("%w: %w", ctxErr, runErr)
		}
		return &ExecError{Args: args, Err: runErr, Stderr: lines.lines}
	}
	return nil
}

// consumeStderr publishes each diagnostic line and returns the trailing lines.
func (m *Manager) consumeStderr(r io.Reader) *tail {
	t := &tail{n: stderrTailLines}
	var total time.Duration

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(ffmpeg.ScanLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		t.add(line)
		m.emitLog(LogEvent{Type: "stderr", Message: line})

		if total == 0 {
			if d, ok := ffmpeg.ParseDuration(line); ok {
				total = d
				continue
			}
		}
		if stats, ok := ffmpeg.ParseStats(line); ok {
			m.emitProgress(ProgressEvent{Progress: ffmpeg.Ratio(stats.Time, total), Time: stats.Time})
		}
	}
	// drain so the writer never blocks if scanning stopped early
	_, _ = io.Copy(io.Discard, r)
	return t
}

// Probe reads the dimensions and duration of input by running ffmpeg without an
// output. ffmpeg reports stream info on stderr and exits non-zero; that failure
// is expected and not returned. ffmpeg.ErrProbeParse is returned when no video
// dimensions were reported.
func (m *Manager) Probe(ctx context.Context, input string) (ffmpeg.ProbeInfo, error) {
	info, sandbox, err := m.loadedState()
	if err != nil {
		return ffmpeg.ProbeInfo{}, err
	}

	var out strings.Builder
	runErr := m.runner.Run(ctx, sandbox.BaseDir(), info.Path, ffmpeg.ProbeArgs(input), &out)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ffmpeg.ProbeInfo{}, ctxErr
	}

	probe, err := ffmpeg.ParseProbeOutput(out.String())
	if err != nil {
		if runErr != nil {
			return probe, fmt.Errorf("%w (ffmpeg: %v)", err, runErr)
		}
		return probe, err
	}
	return probe, nil
}

// WriteFile writes data into the sandbox.
func (m *Manager) WriteFile(path string, data []byte) error {
	_, sandbox, err := m.loadedState()
	if err != nil {
		return err
	}
	return sandbox.WriteFile(path, data)
}

// ReadFile reads a file from the sandbox.
func (m *Manager) ReadFile(path string) ([]byte, error) {
	_, sandbox, err := m.loadedState()
	if err != nil {
		return nil, err
	}
	return sandbox.ReadFile(path)
}

// DeleteFile removes a file or empty directory. A missing path is logged and
// treated as success; cleanup routinely races with ffmpeg's own housekeeping.
func (m *Manager) DeleteFile(path string) error {
	_, sandbox, err := m.loadedState()
	if err != nil {
		return err
	}
	if err := sandbox.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug("delete of missing file ignored", slog.String("path", path))
			return nil
		}
		return err
	}
	return nil
}

// ListDir returns the sorted file names in a sandbox directory.
func (m *Manager) ListDir(path string) ([]string, error) {
	_, sandbox, err := m.loadedState()
	if err != nil {
		return nil, err
	}
	return sandbox.List(path)
}

// OnProgress subscribes fn to progress events and returns its unsubscribe func.
func (m *Manager) OnProgress(fn func(ProgressEvent)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := m.nextID
	m.progressSubs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.progressSubs, id)
	}
}

// OnLog subscribes fn to log events and returns its unsubscribe func.
func (m *Manager) OnLog(fn func(LogEvent)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := m.nextID
	m.logSubs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.logSubs, id)
	}
}

func (m *Manager) emitProgress(ev ProgressEvent) {
	m.subMu.RLock()
	subs := make([]func(ProgressEvent), 0, len(m.progressSubs))
	for _, fn := range m.progressSubs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		m.safeCall("progress", func() { fn(ev) })
	}
}

func (m *Manager) emitLog(ev LogEvent) {
	m.subMu.RLock()
	subs := make([]func(LogEvent), 0, len(m.logSubs))
	for _, fn := range m.logSubs {
		subs = append(subs, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range subs {
		m.safeCall("log", func() { fn(ev) })
	}
}

// safeCall runs a subscriber, recovering a panic so the remaining subscribers run.
func (m *Manager) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked",
				slog.String("kind", kind),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// track registers a cancel func for a running command so Terminate can abort it.
func (m *Manager) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.subMu.Unlock()

	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
		cancel()
	}
}

// Terminate aborts running commands and any in-flight load, drops all
// subscribers and marks the manager unloaded. The next Load bootstraps again.
// Sandbox files are kept.
func (m *Manager) Terminate() {
	m.mu.Lock()
	m.generation++
	if m.loadCancel != nil {
		m.loadCancel()
		m.loadCancel = nil
	}
	for id, cancel := range m.running {
		cancel()
		delete(m.running, id)
	}
	wasLoaded := m.loaded
	m.loaded = false
	m.info = nil
	m.sandbox = nil
	m.mu.Unlock()
	m.loadGroup.Forget("load")

	m.subMu.Lock()
	clear(m.progressSubs)
	clear(m.logSubs)
	m.subMu.Unlock()

	if wasLoaded {
		m.logger.Info("engine terminated")
	}
}
