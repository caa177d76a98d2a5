// Package scheduler runs the periodic maintenance sweep: orphaned worker
// workspaces, expired previews, stale session results and old ledger rows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/service/progress"
)

// OwnerType is the progress owner type of maintenance sweeps.
const OwnerType = "maintenance"

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Task is one step of a sweep. Run returns how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Report summarises one sweep.
type Report struct {
	Removed  map[string]int
	Errors   map[string]error
	Duration time.Duration
}

// Total returns the number of items removed across all tasks.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Scheduler runs its tasks on a cron schedule.
type Scheduler struct {
	mu sync.Mutex

	schedule cron.Schedule
	expr     string
	tasks    []Task
	progress *progress.Service
	logger   *slog.Logger
	ownerID  models.ULID

	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

// parser accepts 6-field expressions with a leading seconds field, plus
// descriptors such as @every 5m.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron validates a 6-field cron expression.
func ValidateCron(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NewScheduler creates a scheduler for expr.
func NewScheduler(expr string, tasks ...Task) (*Scheduler, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &Scheduler{
		schedule: schedule,
		expr:     expr,
		tasks:    tasks,
		logger:   slog.Default(),
		ownerID:  models.NewULID(),
	}, nil
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger.With(slog.String("component", "scheduler"))
	return s
}

// WithProgress reports each sweep as a maintenance operation.
func (s *Scheduler) WithProgress(svc *progress.Service) *Scheduler {
	s.progress = svc
	return s
}

// Next returns the next time the sweep fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start begins running the sweep on schedule until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		s.RunNow(s.ctx)
	}))
	s.cron.Start()

	s.logger.Info("scheduler started",
		slog.String("schedule", s.expr),
		slog.Time("next_run", s.Next(time.Now())),
		slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()

	s.logger.Info("scheduler stopped")
}

// RunNow runs every task once. A sweep that is already running is not
// overlapped; the call returns an empty report.
func (s *Scheduler) RunNow(ctx context.Context) Report {
	report := Report{Removed: make(map[string]int), Errors: make(map[string]error)}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sweep already running, skipping")
		return report
	}
	defer s.running.Store(false)

	start := time.Now()
	op := s.startOperation()

	for _, task := range s.tasks {
		if ctx.Err() != nil {
			report.Errors[task.Name] = ctx.Err()
			break
		}

		var stage *progress.StageUpdater
		if op != nil {
			stage = op.StartStage(task.Name)
		}

		n, err := task.Run(ctx)
		report.Removed[task.Name] = n
		if err != nil {
			report.Errors[task.Name] = err
			s.logger.Warn("maintenance task failed",
				slog.String("task", task.Name),
				slog.Any("error", err))
			if stage != nil {
				stage.Fail(err)
			}
			continue
		}
		if stage != nil {
			stage.Complete()
		}
		if n > 0 {
			s.logger.Info("maintenance task removed items",
				slog.String("task", task.Name),
				slog.Int("removed", n))
		}
	}

	report.Duration = time.Since(start)
	if op != nil {
		op.SetMetadata("removed", report.Total())
		if len(report.Errors) > 0 {
			op.Fail(fmt.Errorf("%d of %d tasks failed", len(report.Errors), len(s.tasks)))
		} else {
			op.Complete(fmt.Sprintf("Removed %d items", report.Total()))
		}
	}

	s.logger.Debug("sweep finished",
		slog.Int("removed", report.Total()),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("duration", report.Duration))
	return report
}

func (s *Scheduler) startOperation() *progress.OperationManager {
	if s.progress == nil {
		return nil
	}
	stages := make([]progress.StageInfo, 0, len(s.tasks))
	for _, task := range s.tasks {
		stages = append(stages, progress.StageInfo{ID: task.Name, Name: task.Name, Weight: 1})
	}
	op, err := s.progress.StartOperation(progress.OpMaintenance, s.ownerID, OwnerType, stages)
	if err != nil {
		s.logger.Debug("maintenance progress unavailable", slog.Any("error", err))
		return nil
	}
	return op
}
