package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/service"
	"github.com/jmylchreest/hlsforge/internal/service/progress"
	"github.com/jmylchreest/hlsforge/internal/transcode"
)

const defaultHeartbeat = 30 * time.Second

// ProgressHandler serves transcode and maintenance progress as JSON and as
// server-sent events.
type ProgressHandler struct {
	progress  *progress.Service
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(svc *progress.Service) *ProgressHandler {
	return &ProgressHandler{
		progress:  svc,
		heartbeat: defaultHeartbeat,
		logger:    slog.Default(),
	}
}

// WithHeartbeat sets the SSE keep-alive interval.
func (h *ProgressHandler) WithHeartbeat(d time.Duration) *ProgressHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// WithLogger sets the logger used for stream failures.
func (h *ProgressHandler) WithLogger(logger *slog.Logger) *ProgressHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// ResolutionProgressResponse is the encode progress of one resolution.
type ResolutionProgressResponse struct {
	Height   int     `json:"height"`
	Status   string  `json:"status" enum:"queued,initializing,processing,completed,error"`
	Progress float64 `json:"progress" doc:"0 to 100"`
	Message  string  `json:"message,omitempty"`
}

// TranscodeProgressResponse is the live state of a transcode session.
type TranscodeProgressResponse struct {
	SessionID   string                       `json:"session_id"`
	State       string                       `json:"state"`
	Percent     float64                      `json:"percent"`
	Completed   int                          `json:"completed" doc:"Resolutions settled, failed ones included"`
	Total       int                          `json:"total"`
	Resolutions []ResolutionProgressResponse `json:"resolutions"`
}

// TranscodeProgressFrom converts a session snapshot.
func TranscodeProgressFrom(p transcode.Progress) TranscodeProgressResponse {
	resp := TranscodeProgressResponse{
		SessionID:   p.SessionID,
		State:       string(p.State),
		Percent:     p.Percent,
		Completed:   p.Completed,
		Total:       p.Total,
		Resolutions: make([]ResolutionProgressResponse, 0, len(p.Resolutions)),
	}
	for _, r := range p.Resolutions {
		resp.Resolutions = append(resp.Resolutions, ResolutionProgressResponse{
			Height:   r.Height,
			Status:   string(r.Status),
			Progress: r.Progress,
			Message:  r.Message,
		})
	}
	return resp
}

// TaskProgressResponse is one task of a maintenance sweep.
type TaskProgressResponse struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// OperationResponse is a tracked operation: a transcode session or a
// maintenance sweep.
type OperationResponse struct {
	ID          string     `json:"id"`
	Type        string     `json:"type" enum:"transcode,maintenance"`
	TranscodeID string     `json:"transcode_id,omitempty"`
	State       string     `json:"state"`
	Message     string     `json:"message,omitempty"`
	Percent     float64    `json:"percent"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	InputName     string `json:"input_name,omitempty"`
	MasterAddress string `json:"master_address,omitempty"`
	PreviewURL    string `json:"preview_url,omitempty"`

	Transcode *TranscodeProgressResponse `json:"transcode,omitempty"`
	Tasks     []TaskProgressResponse     `json:"tasks,omitempty"`
	Removed   *int                       `json:"removed,omitempty" doc:"Items removed by a finished sweep"`
}

// OperationFromProgress converts a tracked operation.
func OperationFromProgress(p *progress.UniversalProgress) OperationResponse {
	resp := OperationResponse{
		ID:          p.OperationID,
		Type:        string(p.OperationType),
		State:       string(p.State),
		Message:     p.Message,
		Percent:     p.Progress * 100,
		Error:       p.Error,
		StartedAt:   p.StartedAt,
		UpdatedAt:   p.UpdatedAt,
		CompletedAt: p.CompletedAt,
	}

	switch p.OperationType {
	case progress.OpTranscode:
		resp.TranscodeID = p.OwnerID.String()
		resp.InputName = metaString(p.Metadata, "input_name")
		resp.MasterAddress = metaString(p.Metadata, "master_address")
		resp.PreviewURL = metaString(p.Metadata, "preview_url")
		if p.Transcode != nil {
			live := TranscodeProgressFrom(*p.Transcode)
			resp.Transcode = &live
		}
	case progress.OpMaintenance:
		for _, st := range p.Stages {
			resp.Tasks = append(resp.Tasks, TaskProgressResponse{Name: st.ID, State: string(st.State), Message: st.Message})
		}
		if n, ok := p.Metadata["removed"].(int); ok {
			resp.Removed = &n
		}
	}
	return resp
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

// ListOperationsInput filters operations.
type ListOperationsInput struct {
	Type        string `query:"type" enum:"transcode,maintenance" doc:"Filter by operation type"`
	TranscodeID string `query:"transcode_id" doc:"Only the operation of this transcode"`
	ActiveOnly  bool   `query:"active_only" doc:"Only running operations"`
}

// ListOperationsOutput is the output for listing operations.
type ListOperationsOutput struct {
	Body struct {
		Operations []OperationResponse `json:"operations"`
	}
}

// GetOperationInput identifies an operation.
type GetOperationInput struct {
	ID string `path:"id" doc:"Operation ID"`
}

// OperationOutput carries one operation.
type OperationOutput struct {
	Body OperationResponse
}

// Register registers the progress routes with the API.
func (h *ProgressHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listOperations",
		Method:      "GET",
		Path:        "/api/v1/progress/operations",
		Summary:     "List operations",
		Description: "Returns transcode sessions and maintenance sweeps, newest first",
		Tags:        []string{"Progress"},
	}, h.ListOperations)

	huma.Register(api, huma.Operation{
		OperationID: "getOperation",
		Method:      "GET",
		Path:        "/api/v1/progress/operations/{id}",
		Summary:     "Get operation",
		Tags:        []string{"Progress"},
	}, h.GetOperation)

	huma.Register(api, huma.Operation{
		OperationID: "getTranscodeProgress",
		Method:      "GET",
		Path:        "/api/v1/transcodes/{id}/progress",
		Summary:     "Get transcode progress",
		Description: "Returns per-resolution progress of the transcode's session",
		Tags:        []string{"Transcodes", "Progress"},
	}, h.GetTranscodeProgress)
}

// RegisterSSE registers the event stream on a chi router; huma has no
// streaming responses.
func (h *ProgressHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/progress/events", h.StreamEvents)
}

// ListOperations returns tracked operations newest first.
func (h *ProgressHandler) ListOperations(_ context.Context, input *ListOperationsInput) (*ListOperationsOutput, error) {
	filter, err := operationFilter(input.Type, input.TranscodeID)
	if err != nil {
		return nil, err
	}
	filter.ActiveOnly = input.ActiveOnly

	ops := h.progress.ListOperations(filter)
	slices.SortFunc(ops, func(a, b *progress.UniversalProgress) int {
		return b.StartedAt.Compare(a.StartedAt)
	})

	out := &ListOperationsOutput{}
	out.Body.Operations = make([]OperationResponse, 0, len(ops))
	for _, op := range ops {
		out.Body.Operations = append(out.Body.Operations, OperationFromProgress(op))
	}
	return out, nil
}

// GetOperation returns one operation.
func (h *ProgressHandler) GetOperation(_ context.Context, input *GetOperationInput) (*OperationOutput, error) {
	op, err := h.progress.GetOperation(input.ID)
	if err != nil {
		return nil, huma.Error404NotFound("operation not found")
	}
	return &OperationOutput{Body: OperationFromProgress(op)}, nil
}

// GetTranscodeProgress returns the operation of a transcode session. Only
// sessions run by this process within the progress retention are known.
func (h *ProgressHandler) GetTranscodeProgress(_ context.Context, input *GetOperationInput) (*OperationOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	op, err := h.progress.GetOperationByOwner(service.OwnerTypeTranscode, id)
	if err != nil {
		if errors.Is(err, progress.ErrOperationNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("no progress for transcode %s", input.ID))
		}
		return nil, huma.Error500InternalServerError("failed to get progress", err)
	}
	return &OperationOutput{Body: OperationFromProgress(op)}, nil
}

func operationFilter(opType, transcodeID string) (*progress.OperationFilter, error) {
	filter := &progress.OperationFilter{}
	if opType != "" {
		t := progress.OperationType(opType)
		filter.OperationType = &t
	}
	if transcodeID != "" {
		id, err := models.ParseULID(transcodeID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid transcode_id", err)
		}
		t := progress.OpTranscode
		filter.OperationType = &t
		filter.OwnerID = &id
	}
	return filter, nil
}

// StreamEvents streams operation updates as server-sent events. Each event is
// named after the update kind and carries an OperationResponse. State filters
// are not offered so terminal events always reach the client.
func (h *ProgressHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter, err := operationFilter(query.Get("type"), query.Get("transcode_id"))
	if err != nil {
		http.Error(w, "invalid transcode_id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.progress.Subscribe(filter)
	defer h.progress.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	fmt.Fprint(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("flushing event stream failed", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("writing progress event failed",
					slog.String("event", ev.EventType),
					slog.String("operation_id", ev.Progress.OperationID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			h.logger.Debug("event stream closed", slog.String("error", err.Error()))
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *progress.ProgressEvent) error {
	data, err := json.Marshal(OperationFromProgress(ev.Progress))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	// one write per event so a client never sees half a message
	msg := fmt.Appendf(nil, "event: %s\ndata: %s\n\n", ev.EventType, data)
	n, err := w.Write(msg)
	if err != nil {
		return err
	}
	if n < len(msg) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(msg))
	}
	return nil
}
