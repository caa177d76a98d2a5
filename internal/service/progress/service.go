package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/hlsforge/internal/models"
)

var (
	// ErrOperationExists is returned when the owner already has an active operation.
	ErrOperationExists = errors.New("operation already exists for this owner")
	// ErrOperationNotFound is returned for unknown operation IDs.
	ErrOperationNotFound = errors.New("operation not found")
)

const subscriberBuffer = 100

// Subscriber receives progress events matching its filter.
type Subscriber struct {
	ID     string
	Filter *OperationFilter
	Events chan *ProgressEvent
}

// Service tracks operations and broadcasts their changes.
type Service struct {
	mu          sync.RWMutex
	operations  map[string]*UniversalProgress
	ownerIndex  map[string]string
	subscribers map[string]*Subscriber
	logger      *slog.Logger

	staleAfter time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewService creates a progress service. Terminal operations are forgotten
// staleAfter their completion once Start has been called.
func NewService(logger *slog.Logger, staleAfter time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Service{
		operations:  make(map[string]*UniversalProgress),
		ownerIndex:  make(map[string]string),
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With(slog.String("component", "progress_service")),
		staleAfter:  staleAfter,
		stop:        make(chan struct{}),
	}
}

// Start begins pruning stale terminal operations every interval.
func (s *Service) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Prune(time.Now())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends pruning. It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Prune removes terminal operations that completed before now - staleAfter.
func (s *Service) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.staleAfter)
	removed := 0
	for id, op := range s.operations {
		if op.State.IsTerminal() && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			delete(s.operations, id)
			key := ownerKey(op.OwnerType, op.OwnerID)
			if s.ownerIndex[key] == id {
				delete(s.ownerIndex, key)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("pruned stale operations", slog.Int("count", removed))
	}
	return removed
}

func ownerKey(ownerType string, ownerID models.ULID) string {
	return ownerType + ":" + ownerID.String()
}

// StartOperation begins tracking an operation for an owner.
func (s *Service) StartOperation(opType OperationType, ownerID models.ULID, ownerType string, stages []StageInfo) (*OperationManager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(ownerType, ownerID)
	if existing, ok := s.operations[s.ownerIndex[key]]; ok && existing.State.IsActive() {
		return nil, ErrOperationExists
	}

	for i := range stages {
		stages[i].State = StateIdle
		stages[i].Progress = 0
	}

	now := time.Now()
	op := &UniversalProgress{
		OperationID:       ulid.Make().String(),
		OperationType:     opType,
		OwnerID:           ownerID,
		OwnerType:         ownerType,
		State:             StatePreparing,
		Message:           "Starting operation",
		Stages:            stages,
		CurrentStageIndex: -1,
		StartedAt:         now,
		UpdatedAt:         now,
		Metadata:          make(map[string]any),
	}
	s.operations[op.OperationID] = op
	s.ownerIndex[key] = op.OperationID

	s.logger.Debug("started operation",
		slog.String("operation_id", op.OperationID),
		slog.String("operation_type", string(opType)),
		slog.String("owner_id", ownerID.String()),
	)
	s.broadcastLocked(op)

	return &OperationManager{service: s, operationID: op.OperationID}, nil
}

// GetOperation returns a copy of an operation.
func (s *Service) GetOperation(operationID string) (*UniversalProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[operationID]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// GetOperationByOwner returns the latest operation of an owner.
func (s *Service) GetOperationByOwner(ownerType string, ownerID models.ULID) (*UniversalProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[s.ownerIndex[ownerKey(ownerType, ownerID)]]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// ListOperations returns copies of the operations matching filter.
func (s *Service) ListOperations(filter *OperationFilter) []*UniversalProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UniversalProgress
	for _, op := range s.operations {
		if filter.Matches(op) {
			out = append(out, op.Clone())
		}
	}
	return out
}

// Subscribe registers a subscriber. Events that do not fit its buffer are dropped.
func (s *Service) Subscribe(filter *OperationFilter) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Filter: filter,
		Events: make(chan *ProgressEvent, subscriberBuffer),
	}
	s.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Service) Unsubscribe(subscriberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(s.subscribers, subscriberID)
	}
}

func (s *Service) update(operationID string, fn func(*UniversalProgress)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[operationID]
	if !ok {
		return ErrOperationNotFound
	}
	fn(op)
	op.UpdatedAt = time.Now()
	s.broadcastLocked(op)
	return nil
}

// broadcastLocked must be called with s.mu held.
func (s *Service) broadcastLocked(op *UniversalProgress) {
	event := &ProgressEvent{
		EventType: eventTypeForState(op.State),
		Progress:  op.Clone(),
		Timestamp: time.Now(),
	}
	for _, sub := range s.subscribers {
		if !sub.Filter.Matches(op) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			s.logger.Warn("subscriber event channel full, dropping event",
				slog.String("subscriber_id", sub.ID),
				slog.String("operation_id", op.OperationID),
			)
		}
	}
}

// OperationManager updates one operation.
type OperationManager struct {
	service     *Service
	operationID string
}

// OperationID returns the managed operation's ID.
func (m *OperationManager) OperationID() string {
	return m.operationID
}

// SetMessage updates the operation message.
func (m *OperationManager) SetMessage(message string) {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		op.Message = message
	})
}

// SetMetadata sets one metadata value.
func (m *OperationManager) SetMetadata(key string, value any) {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		op.Metadata[key] = value
	})
}

// Complete marks the operation and every unfinished stage completed.
func (m *OperationManager) Complete(message string) {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		now := time.Now()
		op.State = StateCompleted
		op.Progress = 1
		op.Message = message
		op.CompletedAt = &now
		for i := range op.Stages {
			if !op.Stages[i].State.IsTerminal() {
				op.Stages[i].State = StateCompleted
				op.Stages[i].Progress = 1
				op.Stages[i].CompletedAt = &now
			}
		}
	})
}

// Fail marks the operation failed.
func (m *OperationManager) Fail(err error) {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		now := time.Now()
		op.State = StateError
		op.Error = err.Error()
		op.Message = "Operation failed: " + err.Error()
		op.CompletedAt = &now
	})
}

// Cancel marks the operation cancelled.
func (m *OperationManager) Cancel() {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		now := time.Now()
		op.State = StateCancelled
		op.Message = "Operation cancelled"
		op.CompletedAt = &now
	})
}

// StartStage makes stageID the current stage.
func (m *OperationManager) StartStage(stageID string) *StageUpdater {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == stageID {
				now := time.Now()
				op.CurrentStageIndex = i
				op.Stages[i].State = StateProcessing
				op.Stages[i].StartedAt = &now
				op.State = StateProcessing
				op.Message = op.Stages[i].Name
				break
			}
		}
	})
	return &StageUpdater{manager: m, stageID: stageID}
}

// recalculate sets the overall progress to the weighted stage mean.
func recalculate(op *UniversalProgress) {
	var sum, weight float64
	for _, st := range op.Stages {
		sum += st.Weight * st.Progress
		weight += st.Weight
	}
	if weight > 0 {
		op.Progress = sum / weight
	}
}

// StageUpdater updates one stage of an operation.
type StageUpdater struct {
	manager *OperationManager
	stageID string
}

func (u *StageUpdater) apply(fn func(op *UniversalProgress, st *StageInfo)) {
	_ = u.manager.service.update(u.manager.operationID, func(op *UniversalProgress) {
		for i := range op.Stages {
			if op.Stages[i].ID == u.stageID {
				fn(op, &op.Stages[i])
				break
			}
		}
		recalculate(op)
	})
}

// SetProgress sets the stage progress (0..1) and message.
func (u *StageUpdater) SetProgress(progress float64, message string) {
	u.apply(func(op *UniversalProgress, st *StageInfo) {
		st.Progress = min(max(progress, 0), 1)
		st.Message = message
		if message != "" {
			op.Message = message
		}
	})
}

// Complete marks the stage completed.
func (u *StageUpdater) Complete() {
	u.apply(func(_ *UniversalProgress, st *StageInfo) {
		now := time.Now()
		st.State = StateCompleted
		st.Progress = 1
		st.CompletedAt = &now
	})
}

// Fail marks the stage failed. The stage counts as settled for the overall
// progress.
func (u *StageUpdater) Fail(err error) {
	u.apply(func(_ *UniversalProgress, st *StageInfo) {
		now := time.Now()
		st.State = StateError
		st.Progress = 1
		st.Message = err.Error()
		st.CompletedAt = &now
	})
}
