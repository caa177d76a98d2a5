// Package transcode coordinates a transcode session: planning resolutions,
// encoding them sequentially or in parallel workers, content addressing the
// output and building the local preview.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // poster decoding
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/webp" // poster decoding
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/contentaddr"
	"github.com/jmylchreest/hlsforge/internal/encode"
	"github.com/jmylchreest/hlsforge/internal/engine"
	"github.com/jmylchreest/hlsforge/internal/ladder"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/preview"
	"github.com/jmylchreest/hlsforge/internal/segment"
	"github.com/jmylchreest/hlsforge/internal/storage"
	"github.com/jmylchreest/hlsforge/internal/util"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

// Defaults applied by New.
const (
	DefaultMasterName   = "master.m3u8"
	DefaultStallWindow  = 5 * time.Second
	DefaultMaxStalls    = 30
	DefaultProcessorID  = "hlsforge"
	DefaultPosterFormat = "jpg"
)

var inputExtRe = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// Config wires an Orchestrator.
type Config struct {
	// Engine is the shared engine used for probing, the poster and the
	// sequential strategy.
	Engine *engine.Manager
	// Workspace holds per-worker sandboxes for the parallel strategy.
	Workspace *storage.Sandbox
	// Bootstrap and Runner configure worker engines.
	Bootstrap engine.Bootstrapper
	Runner    engine.Runner
	// WorkerBootstrap overrides Bootstrap per resolution when set.
	WorkerBootstrap func(ladder.Resolution) engine.Bootstrapper

	Ladder  []ladder.Resolution
	Hasher  contentaddr.Hasher
	Gateway string
	// Preview is optional; without it no preview graph is built.
	Preview *preview.Registry

	MasterName        string
	PosterFormat      string
	ProcessorID       string
	StallWindow       time.Duration
	MaxStalls         int
	WorkerInitTimeout time.Duration
	ExecTimeout       time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Orchestrator runs transcode sessions.
type Orchestrator struct {
	cfg     Config
	planner *ladder.Planner
	logger  *slog.Logger

	// seqMu serializes every command on the shared engine, sequential encodes
	// and poster extraction alike: engine subscribers are shared, so one
	// session's ffmpeg output would otherwise feed another's progress and
	// stall watchdog.
	seqMu sync.Mutex
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("transcode: engine is required")
	}
	if cfg.Gateway == "" {
		return nil, errors.New("transcode: gateway is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = contentaddr.CIDHasher{}
	}
	if cfg.MasterName == "" {
		cfg.MasterName = DefaultMasterName
	}
	if cfg.PosterFormat == "" {
		cfg.PosterFormat = DefaultPosterFormat
	}
	if cfg.ProcessorID == "" {
		cfg.ProcessorID = DefaultProcessorID
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = DefaultStallWindow
	}
	if cfg.MaxStalls <= 0 {
		cfg.MaxStalls = DefaultMaxStalls
	}
	if cfg.WorkerInitTimeout <= 0 {
		cfg.WorkerInitTimeout = worker.DefaultInitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := observability.WithComponent(cfg.Logger, "transcode")
	return &Orchestrator{
		cfg:     cfg,
		planner: ladder.NewPlanner(cfg.Engine, cfg.Ladder, cfg.Logger),
		logger:  logger,
	}, nil
}

// Run executes a ready session to completion. On failure the returned error
// is a *Failed carrying the classification.
func (o *Orchestrator) Run(ctx context.Context, s *Session) (*Complete, error) {
	logger := observability.WithSession(o.logger, s.ID())
	sampler := observability.NewProgressSampler(10)
	err := s.begin(func(p Progress) {
		if p.State == StateTranscoding && sampler.ShouldLog(s.ID(), p.Percent) {
			logger.Info("transcode progress",
				slog.String("percent", util.Percent(p.Percent)),
				slog.Int("completed", p.Completed),
				slog.Int("total", p.Total),
			)
		}
	})
	if err != nil {
		return nil, err
	}

	strategy := s.req.Strategy
	if strategy == "" {
		strategy = StrategySequential
	}
	start := time.Now()
	o.cfg.Metrics.SessionStarted()

	var runErr error
	done := observability.TimedOperationWithError(ctx, logger, "transcode_session", &runErr)
	complete, runErr := o.run(ctx, s, strategy, logger)
	done()

	if runErr != nil {
		s.setState(StateError)
		o.cfg.Metrics.SessionFinished("error", string(strategy), time.Since(start))
		failed := newFailed(s.ID(), runErr, s.resolutions())
		logger.Error("transcode failed", slog.Any("failure", failed))
		return nil, failed
	}

	complete.Resolutions = s.resolutions()
	s.setState(StateComplete)
	o.cfg.Metrics.SessionFinished("complete", string(strategy), time.Since(start))
	return complete, nil
}

func (o *Orchestrator) run(ctx context.Context, s *Session, strategy Strategy, logger *slog.Logger) (*Complete, error) {
	req := s.req
	if len(req.Input.Data) == 0 {
		return nil, errors.New("input is empty")
	}

	if !o.cfg.Engine.Loaded() {
		s.setState(StateLoading)
	}
	if err := o.cfg.Engine.Load(ctx); err != nil {
		return nil, err
	}
	s.setState(StateTranscoding)

	ns, err := storage.NewNamespace(o.cfg.Engine, s.ID())
	if err != nil {
		return nil, err
	}
	defer o.purge(ns, logger)

	input := inputName(req.Input.Name)
	if err := ns.Write(input, req.Input.Data); err != nil {
		return nil, fmt.Errorf("writing input: %w", err)
	}

	plan, err := o.planner.DetermineAvailableResolutions(ctx, ns.Path(input))
	if err != nil {
		return nil, err
	}
	s.plan(plan.Resolutions)
	logger.Info("transcode started",
		slog.String("strategy", string(strategy)),
		slog.String("source", plan.Source.Dimensions.String()),
		slog.Bool("source_assumed", plan.Assumed),
		slog.Int("resolutions", len(plan.Resolutions)),
		slog.String("input_size", util.Bytes(req.Input.Size())),
	)

	poster := o.extractPoster(ctx, ns, input, logger)

	opts := req.Options
	if opts.Timeout <= 0 {
		opts.Timeout = o.cfg.ExecTimeout
	}

	var outputs []encode.Output
	var failures []error
	switch strategy {
	case StrategyParallel:
		outputs, failures = o.runParallel(ctx, s, input, plan.Resolutions, opts, logger)
	default:
		outputs, failures = o.runSequential(ctx, s, ns, input, plan.Resolutions, opts, logger)
	}
	if len(outputs) == 0 {
		return nil, errors.Join(append([]error{ErrAllResolutionsFailed}, failures...)...)
	}

	return o.finish(s, req, outputs, poster, logger)
}

// runSequential encodes resolutions in planner order on the shared engine.
// A failed resolution is recorded and the loop moves on.
func (o *Orchestrator) runSequential(ctx context.Context, s *Session, ns *storage.Namespace, input string, resolutions []ladder.Resolution, opts encode.Options, logger *slog.Logger) ([]encode.Output, []error) {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()

	var outputs []encode.Output
	var failures []error
	for i, res := range resolutions {
		if err := ctx.Err(); err != nil {
			s.update(i, StatusError, 0, err.Error())
			failures = append(failures, err)
			continue
		}

		s.update(i, StatusInitializing, 0, "")
		out, err := o.encodeWatched(ctx, s, i, ns, input, res, opts)
		if err != nil {
			o.resolutionFailed(s, i, res, err, logger)
			failures = append(failures, err)
			continue
		}
		o.resolutionCompleted(s, i, res, logger)
		outputs = append(outputs, out)
	}
	return outputs, failures
}

// encodeWatched runs one encode under the stall watchdog. Engine progress and
// log events count as activity.
func (o *Orchestrator) encodeWatched(ctx context.Context, s *Session, i int, ns *storage.Namespace, input string, res ladder.Resolution, opts encode.Options) (encode.Output, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(o.cfg.StallWindow, o.cfg.MaxStalls)
	unsubProgress := o.cfg.Engine.OnProgress(func(p engine.ProgressEvent) {
		wd.touch()
		s.update(i, StatusProcessing, p.Progress*100, "")
	})
	defer unsubProgress()
	unsubLog := o.cfg.Engine.OnLog(func(engine.LogEvent) {
		wd.touch()
	})
	defer unsubLog()

	go wd.run(ctx, func() { cancel(ErrStalled) })

	s.update(i, StatusProcessing, 0, "")
	out, err := encode.Resolution(ctx, o.cfg.Engine, ns, input, res, opts)
	if err != nil && errors.Is(context.Cause(ctx), ErrStalled) {
		return encode.Output{}, fmt.Errorf("%w: no activity for %d windows of %s: %w",
			ErrStalled, wd.stallCount(), o.cfg.StallWindow, err)
	}
	return out, err
}

// runParallel encodes every resolution in its own worker. Each worker settles
// independently; a failure never cancels its siblings.
func (o *Orchestrator) runParallel(ctx context.Context, s *Session, input string, resolutions []ladder.Resolution, opts encode.Options, logger *slog.Logger) ([]encode.Output, []error) {
	results := make([]encode.Output, len(resolutions))
	errs := make([]error, len(resolutions))

	var g errgroup.Group
	for i, res := range resolutions {
		g.Go(func() error {
			out, err := o.encodeInWorker(ctx, s, i, input, res, opts)
			if err != nil {
				o.resolutionFailed(s, i, res, err, logger)
				errs[i] = err
				return nil
			}
			o.resolutionCompleted(s, i, res, logger)
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var outputs []encode.Output
	var failures []error
	for i := range resolutions {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		outputs = append(outputs, results[i])
	}
	return outputs, failures
}

func (o *Orchestrator) encodeInWorker(ctx context.Context, s *Session, i int, input string, res ladder.Resolution, opts encode.Options) (encode.Output, error) {
	if o.cfg.Workspace == nil {
		return encode.Output{}, errors.New("parallel strategy requires a worker workspace")
	}

	bootstrap := o.cfg.Bootstrap
	if o.cfg.WorkerBootstrap != nil {
		bootstrap = o.cfg.WorkerBootstrap(res)
	}

	s.update(i, StatusInitializing, 0, "")
	w := worker.Spawn(ctx, worker.Config{
		Name:        s.ID() + "-" + res.Name(),
		Workspace:   o.cfg.Workspace,
		Bootstrap:   bootstrap,
		Runner:      o.cfg.Runner,
		InitTimeout: o.cfg.WorkerInitTimeout,
		ExecTimeout: o.cfg.ExecTimeout,
		Logger:      o.cfg.Logger,
	})
	defer w.Terminate()

	if _, err := w.Initialize(ctx); err != nil {
		return encode.Output{}, fmt.Errorf("initializing worker for %s: %w", res.Name(), err)
	}

	s.update(i, StatusProcessing, 0, "")
	files, err := w.TranscodeResolution(ctx, worker.TranscodeResolution{
		InputBytes: bytes.Clone(s.req.Input.Data),
		InputName:  input,
		Resolution: res,
		SessionID:  s.ID(),
		Options:    opts,
	}, func(p worker.Progress) {
		s.update(i, StatusProcessing, p.Percent, "")
	})
	if err != nil {
		return encode.Output{}, fmt.Errorf("encoding %s: %w", res.Name(), err)
	}
	return outputFromFiles(res, files)
}

func outputFromFiles(res ladder.Resolution, files []artifact.File) (encode.Output, error) {
	out := encode.Output{Resolution: res}
	for _, f := range files {
		switch {
		case f.Name == encode.PlaylistName(res):
			out.Playlist = f
		case f.Kind() == artifact.KindSegment:
			out.Segments = append(out.Segments, f)
		}
	}
	if out.Playlist.Name == "" || len(out.Segments) == 0 {
		return encode.Output{}, fmt.Errorf("%w for %s", encode.ErrNoOutput, res.Name())
	}
	return out, nil
}

func (o *Orchestrator) resolutionFailed(s *Session, i int, res ladder.Resolution, err error, logger *slog.Logger) {
	s.update(i, StatusError, 0, err.Error())
	o.cfg.Metrics.ResolutionFinished(res.Height, string(StatusError))
	logger.Warn("resolution failed",
		slog.String("resolution", res.Name()),
		slog.String("error", err.Error()),
	)
}

func (o *Orchestrator) resolutionCompleted(s *Session, i int, res ladder.Resolution, logger *slog.Logger) {
	s.update(i, StatusCompleted, 100, "")
	o.cfg.Metrics.ResolutionFinished(res.Height, string(StatusCompleted))
	logger.Info("resolution completed",
		slog.String("resolution", res.Name()),
		slog.String("bitrate", util.Bitrate(res.Bitrate)),
	)
}

// extractPoster captures the poster frame. Failure is logged and yields nil.
func (o *Orchestrator) extractPoster(ctx context.Context, ns *storage.Namespace, input string, logger *slog.Logger) *artifact.File {
	o.seqMu.Lock()
	poster, err := encode.Poster(ctx, o.cfg.Engine, ns, input, o.cfg.PosterFormat, o.cfg.ExecTimeout)
	o.seqMu.Unlock()
	if err != nil {
		logger.Warn("poster extraction failed", slog.String("error", err.Error()))
		return nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(poster.Data))
	if err != nil {
		logger.Warn("poster is not a readable image", slog.String("error", err.Error()))
		return nil
	}
	logger.Debug("poster extracted",
		slog.String("format", format),
		slog.Int("width", cfg.Width),
		slog.Int("height", cfg.Height),
	)
	return &poster
}

// finish content-addresses the outputs, wraps them and builds the preview.
func (o *Orchestrator) finish(s *Session, req Request, outputs []encode.Output, poster *artifact.File, logger *slog.Logger) (*Complete, error) {
	variants := make([]contentaddr.Variant, 0, len(outputs))
	heights := make(map[string]int)
	codecs := make(map[int][]string)
	for _, out := range outputs {
		variants = append(variants, contentaddr.Variant{
			Resolution: out.Resolution,
			Playlist:   out.Playlist,
			Segments:   out.Segments,
		})
		for _, seg := range out.Segments {
			heights[seg.Name] = out.Resolution.Height
		}
		info, err := segment.Inspect(out.Segments[0].Data)
		if err != nil {
			logger.Warn("segment inspection failed",
				slog.String("segment", out.Segments[0].Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		codecs[out.Resolution.Height] = info.Codecs()
	}

	pkg, err := contentaddr.Build(o.cfg.Hasher, o.cfg.Gateway, o.cfg.MasterName, variants)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHashing, err)
	}

	processor := req.ProcessorID
	if processor == "" {
		processor = o.cfg.ProcessorID
	}
	master := o.cfg.MasterName
	wrap := func(a contentaddr.Addressed, role artifact.Role) artifact.WrappedFile {
		w := artifact.WrappedFile{
			File:        a.File,
			Address:     a.Address.String(),
			RemoteRef:   a.RemoteRef,
			Role:        role,
			IsAuxiliary: role != artifact.RoleVideo,
			ProcessorID: processor,
		}
		if w.IsAuxiliary {
			w.ParentFile = master
		}
		return w
	}

	masterFile := wrap(pkg.Master, artifact.RoleVideo)
	files := []artifact.WrappedFile{masterFile}
	for _, p := range pkg.Playlists {
		w := wrap(p.Addressed(), artifact.RolePlaylist)
		w.Resolution = p.Resolution().Height
		w.Codecs = codecs[w.Resolution]
		files = append(files, w)
	}
	for _, seg := range pkg.Segments.Segments() {
		w := wrap(seg, artifact.RoleSegment)
		w.Resolution = heights[seg.File.Name]
		files = append(files, w)
	}

	var thumbnail *artifact.WrappedFile
	if poster != nil {
		a, err := o.address(*poster)
		if err != nil {
			return nil, err
		}
		w := wrap(a, artifact.RolePoster)
		thumbnail = &w
		files = append(files, w)
	}
	if req.IncludeSource {
		a, err := o.address(req.Input)
		if err != nil {
			return nil, err
		}
		files = append(files, wrap(a, artifact.RoleSource))
	}

	var total int64
	for _, f := range files {
		total += f.Size()
	}
	o.cfg.Metrics.ArtifactsHashed(len(files), total)

	complete := &Complete{
		SessionID:      s.ID(),
		Choice:         ChoiceHLS,
		Files:          files,
		MasterPlaylist: masterFile,
		Thumbnail:      thumbnail,
		Quality:        preview.QualityOptions(files),
	}

	if o.cfg.Preview != nil {
		graph, err := preview.BuildGraph(o.cfg.Preview, files)
		if err != nil {
			logger.Warn("preview unavailable", slog.String("error", err.Error()))
		} else {
			complete.Preview = graph
			complete.PreviewURLs = graph.URLs()
		}
	}

	logger.Info("transcode packaged",
		slog.String("master", masterFile.Address),
		slog.Int("files", len(files)),
		slog.String("size", util.Bytes(total)),
	)
	return complete, nil
}

func (o *Orchestrator) address(f artifact.File) (contentaddr.Addressed, error) {
	addr, err := o.cfg.Hasher.Hash(f.Data)
	if err != nil {
		return contentaddr.Addressed{}, fmt.Errorf("%w: hashing %s: %w", ErrHashing, f.Name, err)
	}
	return contentaddr.Addressed{
		File:      f,
		Address:   addr,
		RemoteRef: contentaddr.RemoteRef(o.cfg.Gateway, addr, f.Name),
	}, nil
}

// purge removes the session's files. Failures are logged, never returned.
func (o *Orchestrator) purge(ns *storage.Namespace, logger *slog.Logger) {
	result := ns.Purge()
	if !result.OK() {
		logger.Warn("session cleanup incomplete", slog.Any("cleanup", result))
		return
	}
	logger.Debug("session cleanup complete", slog.Any("cleanup", result))
}

// inputName returns the sandbox name for an uploaded file, keeping a sane
// extension so ffmpeg can guess the container.
func inputName(original string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(original, `\`, "/"))))
	if inputExtRe.MatchString(ext) {
		return "input" + ext
	}
	return "input"
}
