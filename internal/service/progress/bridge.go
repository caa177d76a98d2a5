package progress

import (
	"fmt"
	"slices"
	"time"

	"github.com/jmylchreest/hlsforge/internal/transcode"
)

var resolutionStates = map[transcode.ResolutionStatus]UniversalState{
	transcode.StatusQueued:       StateIdle,
	transcode.StatusInitializing: StatePreparing,
	transcode.StatusProcessing:   StateProcessing,
	transcode.StatusCompleted:    StateCompleted,
	transcode.StatusError:        StateError,
}

// StageID names the stage of one resolution.
func StageID(height int) string {
	return fmt.Sprintf("%dp", height)
}

// ApplyTranscode mirrors a transcode snapshot onto the operation: one equally
// weighted stage per resolution and the session's aggregate as the overall
// progress. Terminal session states are left to Complete and Fail.
func (m *OperationManager) ApplyTranscode(p transcode.Progress) {
	_ = m.service.update(m.operationID, func(op *UniversalProgress) {
		switch p.State {
		case transcode.StateLoading:
			op.State = StatePreparing
			op.Message = "Loading ffmpeg"
		case transcode.StateTranscoding:
			op.State = StateProcessing
			op.Message = fmt.Sprintf("Transcoding %d of %d resolutions done", p.Completed, p.Total)
		}

		if len(op.Stages) != len(p.Resolutions) {
			op.Stages = make([]StageInfo, len(p.Resolutions))
		}
		now := time.Now()
		op.CurrentStageIndex = -1
		for i, r := range p.Resolutions {
			st := &op.Stages[i]
			st.ID = StageID(r.Height)
			st.Name = "Encode " + st.ID
			st.Weight = 1
			st.State = resolutionStates[r.Status]
			st.Progress = r.Progress / 100
			st.Message = r.Message
			if st.State != StateIdle && st.StartedAt == nil {
				st.StartedAt = &now
			}
			if st.State.IsTerminal() {
				st.Progress = 1
				if st.CompletedAt == nil {
					st.CompletedAt = &now
				}
			}
			if st.State == StateProcessing && op.CurrentStageIndex < 0 {
				op.CurrentStageIndex = i
			}
		}
		op.Progress = p.Percent / 100
		op.Metadata["session_id"] = p.SessionID

		snapshot := p
		snapshot.Resolutions = slices.Clone(p.Resolutions)
		op.Transcode = &snapshot
	})
}
