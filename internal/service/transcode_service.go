// Package service provides the application layer between the HTTP API and the
// transcode pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/encode"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/service/progress"
	"github.com/jmylchreest/hlsforge/internal/transcode"
)

// OwnerTypeTranscode is the progress owner type of transcode operations.
const OwnerTypeTranscode = "transcode"

// InterruptedMessage is recorded on ledger rows left running by a previous process.
const InterruptedMessage = "Transcoding was interrupted by a restart. Please try again."

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("transcode service is shutting down")

// Runner executes a transcode session. *transcode.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, s *transcode.Session) (*transcode.Complete, error)
}

// SubmitRequest describes an upload to transcode.
type SubmitRequest struct {
	Input         artifact.File
	Strategy      string // empty uses the service default
	Speed         string // empty uses the service default
	IncludeSource bool
}

// TranscodeService runs sessions asynchronously, mirrors their progress onto
// the progress service and records the outcome in the ledger.
type TranscodeService struct {
	repo     repository.TranscodeRepository
	runner   Runner
	progress *progress.Service
	logger   *slog.Logger

	strategy transcode.Strategy
	options  encode.Options
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[models.ULID]*transcode.Session
	results  map[models.ULID]*result
}

type result struct {
	complete *transcode.Complete
	at       time.Time
}

// NewTranscodeService creates a new TranscodeService.
func NewTranscodeService(repo repository.TranscodeRepository, runner Runner) *TranscodeService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscodeService{
		repo:     repo,
		runner:   runner,
		logger:   slog.Default(),
		strategy: transcode.StrategySequential,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[models.ULID]*transcode.Session),
		results:  make(map[models.ULID]*result),
	}
}

// WithLogger sets a custom logger.
func (s *TranscodeService) WithLogger(logger *slog.Logger) *TranscodeService {
	s.logger = observability.WithComponent(logger, "transcode_service")
	return s
}

// WithProgress publishes session progress as operations on svc.
func (s *TranscodeService) WithProgress(svc *progress.Service) *TranscodeService {
	s.progress = svc
	return s
}

// WithDefaults sets the strategy and encoder options used when a request
// leaves them unset.
func (s *TranscodeService) WithDefaults(strategy transcode.Strategy, opts encode.Options) *TranscodeService {
	if strategy != "" {
		s.strategy = strategy
	}
	s.options = opts
	return s
}

// WithConcurrency caps the number of sessions running at once. Zero or less
// removes the cap.
func (s *TranscodeService) WithConcurrency(n int) *TranscodeService {
	if n > 0 {
		s.sem = semaphore.NewWeighted(int64(n))
	} else {
		s.sem = nil
	}
	return s
}

// RecoverInterrupted fails ledger rows a previous process left pending or running.
func (s *TranscodeService) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := s.repo.MarkInterrupted(ctx, InterruptedMessage)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted transcodes: %w", err)
	}
	if n > 0 {
		s.logger.Warn("marked interrupted transcodes as failed", slog.Int64("count", n))
	}
	return n, nil
}

// Submit records a pending transcode and starts its session in the background.
// The returned row reflects the state at acceptance.
func (s *TranscodeService) Submit(ctx context.Context, req SubmitRequest) (*models.Transcode, error) {
	strategy := s.strategy
	if req.Strategy != "" {
		parsed, err := transcode.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, models.ErrValidation{Field: "strategy", Message: err.Error()}
		}
		strategy = parsed
	}
	if len(req.Input.Data) == 0 {
		return nil, models.ErrValidation{Field: "input", Message: "input is empty"}
	}

	opts := s.options
	if req.Speed != "" {
		opts.Speed = strings.ToLower(req.Speed)
	}
	opts = opts.WithDefaults()

	tc := &models.Transcode{
		InputName: req.Input.Name,
		InputSize: req.Input.Size(),
		Strategy:  string(strategy),
		Speed:     opts.Speed,
		Status:    models.TranscodeStatusPending,
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.repo.Create(ctx, tc); err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("creating transcode: %w", err)
	}

	var op *progress.OperationManager
	if s.progress != nil {
		var err error
		op, err = s.progress.StartOperation(progress.OpTranscode, tc.ID, OwnerTypeTranscode, nil)
		if err != nil {
			s.logger.Warn("starting progress operation failed",
				slog.String("transcode_id", tc.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	session := transcode.NewSession(transcode.Request{
		Input:         req.Input,
		Strategy:      strategy,
		Options:       opts,
		IncludeSource: req.IncludeSource,
	}, func(p transcode.Progress) {
		if op != nil {
			op.ApplyTranscode(p)
		}
	})
	if op != nil {
		op.SetMetadata("input_name", tc.InputName)
		op.SetMetadata("strategy", tc.Strategy)
	}

	s.mu.Lock()
	s.sessions[tc.ID] = session
	s.mu.Unlock()

	accepted := *tc
	go s.execute(tc, session, op)
	return &accepted, nil
}

func (s *TranscodeService) execute(tc *models.Transcode, session *transcode.Session, op *progress.OperationManager) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, tc.ID)
		s.mu.Unlock()
	}()

	logger := observability.WithSession(s.logger, session.ID()).With(slog.String("transcode_id", tc.ID.String()))

	if s.sem != nil {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.fail(tc, op, &transcode.Failed{
				SessionID:      session.ID(),
				Classification: transcode.ClassGeneric,
				Message:        InterruptedMessage,
				Err:            err,
			}, logger)
			return
		}
		defer s.sem.Release(1)
	}

	tc.MarkRunning(session.ID())
	s.persist(tc, logger)

	complete, err := s.runner.Run(s.ctx, session)
	if err != nil {
		var failed *transcode.Failed
		if !errors.As(err, &failed) {
			failed = &transcode.Failed{
				SessionID:      session.ID(),
				Classification: transcode.Classify(err),
				Message:        transcode.Classify(err).Message(),
				Resolutions:    session.Snapshot().Resolutions,
				Err:            err,
			}
		}
		s.fail(tc, op, failed, logger)
		return
	}

	completed, failed := splitResolutions(complete.Resolutions)
	tc.MarkComplete(complete.MasterPlaylist.Address, complete.MasterPlaylist.RemoteRef, completed, failed)
	s.persist(tc, logger)

	if err := s.repo.ReplaceArtifacts(context.Background(), tc.ID, ledgerArtifacts(complete.Files)); err != nil {
		logger.Error("recording artifacts failed", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.results[tc.ID] = &result{complete: complete, at: time.Now()}
	s.mu.Unlock()

	if op != nil {
		op.SetMetadata("master_address", complete.MasterPlaylist.Address)
		if complete.Preview != nil {
			op.SetMetadata("preview_url", complete.Preview.MasterURL())
		}
		op.Complete(fmt.Sprintf("Packaged %d resolutions", len(completed)))
	}
	logger.Info("transcode recorded",
		slog.String("master_address", complete.MasterPlaylist.Address),
		slog.Int("files", len(complete.Files)),
	)
}

func (s *TranscodeService) fail(tc *models.Transcode, op *progress.OperationManager, failed *transcode.Failed, logger *slog.Logger) {
	_, failedHeights := splitResolutions(failed.Resolutions)
	tc.MarkFailed(string(failed.Classification), failed.Message, failedHeights)
	s.persist(tc, logger)
	if op != nil {
		op.Fail(errors.New(failed.Message))
	}
}

// persist saves tc without the request context, which ends before the session.
func (s *TranscodeService) persist(tc *models.Transcode, logger *slog.Logger) {
	if err := s.repo.Update(context.Background(), tc); err != nil {
		logger.Error("updating transcode failed",
			slog.String("status", string(tc.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns a ledger row with its artifacts.
func (s *TranscodeService) Get(ctx context.Context, id models.ULID) (*models.Transcode, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns ledger rows newest first and the total matching count.
func (s *TranscodeService) List(ctx context.Context, opts repository.ListOptions) ([]*models.Transcode, int64, error) {
	return s.repo.List(ctx, opts)
}

// UploadPlan returns the artifacts of a completed transcode in upload order.
func (s *TranscodeService) UploadPlan(ctx context.Context, id models.ULID) ([]models.SessionArtifact, error) {
	tc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tc.Status != models.TranscodeStatusComplete {
		return nil, transcode.ErrSessionNotFinished
	}
	return tc.Artifacts, nil
}

// Progress returns the live snapshot of a session still executing.
func (s *TranscodeService) Progress(id models.ULID) (transcode.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return transcode.Progress{}, false
	}
	return session.Snapshot(), true
}

// Result returns the in-memory result of a transcode completed by this process.
func (s *TranscodeService) Result(id models.ULID) (*transcode.Complete, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false
	}
	return r.complete, true
}

// Active returns the number of sessions accepted and not yet finished.
func (s *TranscodeService) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DismissPreview drops the in-memory result of id and revokes its preview URLs.
func (s *TranscodeService) DismissPreview(id models.ULID) bool {
	s.mu.Lock()
	r, ok := s.results[id]
	delete(s.results, id)
	s.mu.Unlock()
	if ok && r.complete.Preview != nil {
		r.complete.Preview.Close()
	}
	return ok
}

// PruneResults dismisses results older than maxAge and returns how many went.
func (s *TranscodeService) PruneResults(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []*result
	s.mu.Lock()
	for id, r := range s.results {
		if r.at.Before(cutoff) {
			stale = append(stale, r)
			delete(s.results, id)
		}
	}
	s.mu.Unlock()

	for _, r := range stale {
		if r.complete.Preview != nil {
			r.complete.Preview.Close()
		}
	}
	return len(stale)
}

// Shutdown stops accepting work, cancels running sessions and waits for them
// to record their outcome or for ctx to end.
func (s *TranscodeService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for transcodes: %w", ctx.Err())
	}
}

// Wait blocks until every accepted session has finished.
func (s *TranscodeService) Wait() {
	s.wg.Wait()
}

func splitResolutions(records []transcode.ResolutionProgress) (completed, failed []int) {
	for _, r := range records {
		switch r.Status {
		case transcode.StatusCompleted:
			completed = append(completed, r.Height)
		case transcode.StatusError:
			failed = append(failed, r.Height)
		}
	}
	return completed, failed
}

func ledgerArtifacts(files []artifact.WrappedFile) []models.SessionArtifact {
	plan := transcode.UploadPlan(files)
	out := make([]models.SessionArtifact, 0, len(plan))
	for i, f := range plan {
		out = append(out, models.SessionArtifact{
			Name:        f.Name,
			Role:        string(f.Role),
			Address:     f.Address,
			RemoteRef:   f.RemoteRef,
			Size:        f.Size(),
			Resolution:  f.Resolution,
			Codecs:      strings.Join(f.Codecs, ","),
			ParentFile:  f.ParentFile,
			Auxiliary:   f.IsAuxiliary,
			UploadOrder: i,
		})
	}
	return out
}
