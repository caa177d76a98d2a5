// Package progress tracks long-running operations and fans their updates out
// to SSE subscribers.
package progress

import (
	"maps"
	"slices"
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/transcode"
)

// UniversalState is the state of an operation or one of its stages.
type UniversalState string

const (
	StateIdle       UniversalState = "idle"
	StatePreparing  UniversalState = "preparing"
	StateProcessing UniversalState = "processing"
	StateCompleted  UniversalState = "completed"
	StateError      UniversalState = "error"
	StateCancelled  UniversalState = "cancelled"
)

// IsTerminal reports whether the state is completed, error or cancelled.
func (s UniversalState) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// IsActive reports whether the operation is running.
func (s UniversalState) IsActive() bool {
	return s != StateIdle && !s.IsTerminal()
}

// OperationType identifies what an operation does.
type OperationType string

const (
	// OpTranscode is one transcode session.
	OpTranscode OperationType = "transcode"
	// OpMaintenance is a cleanup sweep.
	OpMaintenance OperationType = "maintenance"
)

// StageInfo is one stage of an operation. A transcode has one stage per
// resolution.
type StageInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Weight      float64        `json:"weight"`
	State       UniversalState `json:"state"`
	Progress    float64        `json:"progress"` // 0..1
	Message     string         `json:"message"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// UniversalProgress is the full state of an operation.
type UniversalProgress struct {
	OperationID       string         `json:"operation_id"`
	OperationType     OperationType  `json:"operation_type"`
	OwnerID           models.ULID    `json:"owner_id"`
	OwnerType         string         `json:"owner_type"`
	State             UniversalState `json:"state"`
	Progress          float64        `json:"progress"` // 0..1
	Message           string         `json:"message"`
	Stages            []StageInfo    `json:"stages"`
	CurrentStageIndex int            `json:"current_stage_index"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Error             string         `json:"error,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	// Transcode is the latest session snapshot of a transcode operation.
	Transcode *transcode.Progress `json:"transcode,omitempty"`
}

// Clone returns a copy safe to read without the service lock.
func (p *UniversalProgress) Clone() *UniversalProgress {
	clone := *p
	clone.Stages = slices.Clone(p.Stages)
	clone.Metadata = maps.Clone(p.Metadata)
	if p.Transcode != nil {
		tc := *p.Transcode
		tc.Resolutions = slices.Clone(p.Transcode.Resolutions)
		clone.Transcode = &tc
	}
	return &clone
}

// CurrentStage returns the active stage, if any.
func (p *UniversalProgress) CurrentStage() *StageInfo {
	if p.CurrentStageIndex >= 0 && p.CurrentStageIndex < len(p.Stages) {
		return &p.Stages[p.CurrentStageIndex]
	}
	return nil
}

// ProgressEvent is delivered to subscribers on every change.
type ProgressEvent struct {
	EventType string             `json:"event_type"`
	Progress  *UniversalProgress `json:"progress"`
	Timestamp time.Time          `json:"timestamp"`
}

// SSE event types.
const (
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeError     = "error"
	EventTypeCancelled = "cancelled"
	EventTypeHeartbeat = "heartbeat"
)

func eventTypeForState(state UniversalState) string {
	switch state {
	case StateCompleted:
		return EventTypeCompleted
	case StateError:
		return EventTypeError
	case StateCancelled:
		return EventTypeCancelled
	default:
		return EventTypeProgress
	}
}

// OperationFilter selects operations. Nil fields match everything.
type OperationFilter struct {
	OperationType *OperationType  `json:"operation_type,omitempty"`
	OwnerID       *models.ULID    `json:"owner_id,omitempty"`
	State         *UniversalState `json:"state,omitempty"`
	ActiveOnly    bool            `json:"active_only,omitempty"`
}

// Matches reports whether p passes the filter. A nil filter matches all.
func (f *OperationFilter) Matches(p *UniversalProgress) bool {
	if f == nil {
		return true
	}
	if f.OperationType != nil && *f.OperationType != p.OperationType {
		return false
	}
	if f.OwnerID != nil && *f.OwnerID != p.OwnerID {
		return false
	}
	if f.State != nil && *f.State != p.State {
		return false
	}
	if f.ActiveOnly && !p.State.IsActive() {
		return false
	}
	return true
}
