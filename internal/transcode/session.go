package transcode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/encode"
	"github.com/jmylchreest/hlsforge/internal/ladder"
)

// State is the lifecycle state of a session.
type State string

const (
	StateReady       State = "ready"
	StateLoading     State = "loading"
	StateTranscoding State = "transcoding"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// Terminal reports whether no further transitions happen without a retry.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Strategy selects how resolutions are encoded.
type Strategy string

const (
	// StrategySequential encodes one resolution at a time on the shared engine.
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs one worker per resolution.
	StrategyParallel Strategy = "parallel"
)

// ParseStrategy validates a strategy name. Empty selects sequential.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySequential:
		return StrategySequential, nil
	case StrategyParallel:
		return StrategyParallel, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// ResolutionStatus is the state of one resolution within a session.
type ResolutionStatus string

const (
	StatusQueued       ResolutionStatus = "queued"
	StatusInitializing ResolutionStatus = "initializing"
	StatusProcessing   ResolutionStatus = "processing"
	StatusCompleted    ResolutionStatus = "completed"
	StatusError        ResolutionStatus = "error"
)

// ResolutionProgress is the progress record of one resolution.
type ResolutionProgress struct {
	Height   int              `json:"height"`
	Status   ResolutionStatus `json:"status"`
	Progress float64          `json:"progress"` // 0..100
	Message  string           `json:"message,omitempty"`
}

// Progress is the aggregate progress of a session.
type Progress struct {
	SessionID   string               `json:"session_id"`
	State       State                `json:"state"`
	Percent     float64              `json:"percent"`
	Completed   int                  `json:"completed"`
	Total       int                  `json:"total"`
	Resolutions []ResolutionProgress `json:"resolutions"`
}

// ProgressFunc receives progress snapshots. Calls are serialized.
type ProgressFunc func(Progress)

// Request describes one transcode.
type Request struct {
	Input    artifact.File
	Strategy Strategy
	Options  encode.Options
	// IncludeSource adds the source file to the output as an auxiliary file.
	IncludeSource bool
	// ProcessorID is stamped on every wrapped file; defaults to the orchestrator's.
	ProcessorID string
}

var (
	// ErrSessionNotReady is returned when running a session that is not ready.
	ErrSessionNotReady = errors.New("session is not ready")
	// ErrSessionNotFinished is returned when retrying a session that has not ended.
	ErrSessionNotFinished = errors.New("session has not finished")
)

// Session is one transcode operation. Its ID namespaces every file it creates.
type Session struct {
	req      Request
	observer ProgressFunc
	created  time.Time

	mu      sync.Mutex
	id      string
	state   State
	records []ResolutionProgress
	hook    func(Progress)

	emitMu sync.Mutex
}

// NewSession creates a ready session. observer may be nil.
func NewSession(req Request, observer ProgressFunc) *Session {
	return &Session{
		req:      req,
		observer: observer,
		created:  time.Now(),
		id:       ulid.Make().String(),
		state:    StateReady,
	}
}

// ID returns the session ID. It changes on Retry.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Request returns the request the session was created with.
func (s *Session) Request() Request {
	return s.req
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current progress.
func (s *Session) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Retry returns a finished session to ready under a fresh ID.
func (s *Session) Retry() error {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.mu.Unlock()
		return ErrSessionNotFinished
	}
	s.id = ulid.Make().String()
	s.state = StateReady
	s.records = nil
	s.mu.Unlock()
	s.emit()
	return nil
}

func (s *Session) begin(hook func(Progress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return fmt.Errorf("%w (state %s)", ErrSessionNotReady, s.state)
	}
	s.hook = hook
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emit()
}

func (s *Session) plan(resolutions []ladder.Resolution) {
	s.mu.Lock()
	s.records = make([]ResolutionProgress, len(resolutions))
	for i, res := range resolutions {
		s.records[i] = ResolutionProgress{Height: res.Height, Status: StatusQueued}
	}
	s.mu.Unlock()
	s.emit()
}

func (s *Session) update(i int, status ResolutionStatus, progress float64, message string) {
	s.mu.Lock()
	if i < 0 || i >= len(s.records) {
		s.mu.Unlock()
		return
	}
	rec := &s.records[i]
	if rec.Status == StatusCompleted || rec.Status == StatusError {
		s.mu.Unlock()
		return
	}
	rec.Status = status
	switch status {
	case StatusCompleted:
		rec.Progress = 100
	case StatusProcessing:
		rec.Progress = min(max(progress, rec.Progress), 100)
	}
	rec.Message = message
	s.mu.Unlock()
	s.emit()
}

func (s *Session) resolutions() []ResolutionProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResolutionProgress(nil), s.records...)
}

// snapshotLocked computes the aggregate as the mean of every resolution's
// percentage; a failed resolution counts as settled.
func (s *Session) snapshotLocked() Progress {
	p := Progress{
		SessionID:   s.id,
		State:       s.state,
		Total:       len(s.records),
		Resolutions: append([]ResolutionProgress(nil), s.records...),
	}
	if len(s.records) == 0 {
		if s.state == StateComplete {
			p.Percent = 100
		}
		return p
	}
	var sum float64
	for _, r := range s.records {
		switch r.Status {
		case StatusCompleted:
			p.Completed++
			sum += 100
		case StatusError:
			sum += 100
		default:
			sum += r.Progress
		}
	}
	p.Percent = sum / float64(len(s.records))
	return p
}

func (s *Session) emit() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	p := s.snapshotLocked()
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	if s.observer != nil {
		s.observer(p)
	}
}
