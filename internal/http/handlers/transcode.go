package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/service"
	"github.com/jmylchreest/hlsforge/internal/transcode"
)

// defaultMaxUploadBytes applies when no upload limit is configured.
const defaultMaxUploadBytes = 2 << 30

// TranscodeHandler handles transcode submission and ledger endpoints.
type TranscodeHandler struct {
	service        *service.TranscodeService
	maxUploadBytes int64
}

// NewTranscodeHandler creates a new transcode handler.
func NewTranscodeHandler(svc *service.TranscodeService) *TranscodeHandler {
	return &TranscodeHandler{
		service:        svc,
		maxUploadBytes: defaultMaxUploadBytes,
	}
}

// WithMaxUploadBytes sets the largest accepted upload body.
func (h *TranscodeHandler) WithMaxUploadBytes(n int64) *TranscodeHandler {
	if n > 0 {
		h.maxUploadBytes = n
	}
	return h
}

// Register registers the transcode routes with the API.
func (h *TranscodeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createTranscode",
		Method:        "POST",
		Path:          "/api/v1/transcodes",
		Summary:       "Submit a video",
		Description:   "Accepts the raw video bytes as the request body and starts a transcode session in the background",
		Tags:          []string{"Transcodes"},
		DefaultStatus: http.StatusAccepted,
		MaxBodyBytes:  h.maxUploadBytes,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listTranscodes",
		Method:      "GET",
		Path:        "/api/v1/transcodes",
		Summary:     "List transcodes",
		Description: "Returns transcodes newest first",
		Tags:        []string{"Transcodes"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getTranscode",
		Method:      "GET",
		Path:        "/api/v1/transcodes/{id}",
		Summary:     "Get transcode",
		Description: "Returns a transcode, with live progress while its session runs",
		Tags:        []string{"Transcodes"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID: "getTranscodeUploadPlan",
		Method:      "GET",
		Path:        "/api/v1/transcodes/{id}/upload-plan",
		Summary:     "Get upload plan",
		Description: "Returns the packaged files of a completed transcode in upload order: segments, playlists, master, poster",
		Tags:        []string{"Transcodes"},
	}, h.GetUploadPlan)

	huma.Register(api, huma.Operation{
		OperationID: "dismissTranscodePreview",
		Method:      "DELETE",
		Path:        "/api/v1/transcodes/{id}/preview",
		Summary:     "Dismiss preview",
		Description: "Revokes the preview URLs of a completed transcode",
		Tags:        []string{"Transcodes"},
	}, h.DismissPreview)
}

// CreateTranscodeInput is the input for submitting a video.
type CreateTranscodeInput struct {
	Name          string `query:"name" required:"true" doc:"Original file name, used for the input extension"`
	Strategy      string `query:"strategy" enum:"sequential,parallel" doc:"Encode strategy (default from config)"`
	Speed         string `query:"speed" doc:"x264 preset, e.g. ultrafast, veryfast, medium"`
	IncludeSource bool   `query:"include_source" doc:"Include the source video in the package"`
	RawBody       []byte `contentType:"application/octet-stream"`
}

// CreateTranscodeOutput is the output for submitting a video.
type CreateTranscodeOutput struct {
	Location string `header:"Location"`
	Body     TranscodeResponse
}

// Create accepts an upload and starts its transcode.
func (h *TranscodeHandler) Create(ctx context.Context, input *CreateTranscodeInput) (*CreateTranscodeOutput, error) {
	name := path.Base(strings.ReplaceAll(input.Name, "\\", "/"))
	if len(input.RawBody) == 0 {
		return nil, huma.Error400BadRequest("request body is empty")
	}

	tc, err := h.service.Submit(ctx, service.SubmitRequest{
		Input:         artifact.File{Name: name, Data: input.RawBody},
		Strategy:      input.Strategy,
		Speed:         input.Speed,
		IncludeSource: input.IncludeSource,
	})
	if err != nil {
		var verr models.ErrValidation
		switch {
		case errors.As(err, &verr):
			return nil, huma.Error422UnprocessableEntity(verr.Message, err)
		case errors.Is(err, models.ErrInputNameRequired), errors.Is(err, models.ErrInvalidStrategy):
			return nil, huma.Error422UnprocessableEntity(err.Error())
		case errors.Is(err, service.ErrShuttingDown):
			return nil, huma.Error503ServiceUnavailable("service is shutting down")
		}
		return nil, huma.Error500InternalServerError("failed to submit transcode", err)
	}

	return &CreateTranscodeOutput{
		Location: "/api/v1/transcodes/" + tc.ID.String(),
		Body:     TranscodeFromModel(tc),
	}, nil
}

// ListTranscodesInput is the input for listing transcodes.
type ListTranscodesInput struct {
	Pagination
	Status string `query:"status" enum:"pending,running,complete,failed" doc:"Filter by status"`
}

// ListTranscodesOutput is the output for listing transcodes.
type ListTranscodesOutput struct {
	Body TranscodeListResponse
}

// List returns transcodes newest first.
func (h *TranscodeHandler) List(ctx context.Context, input *ListTranscodesInput) (*ListTranscodesOutput, error) {
	rows, total, err := h.service.List(ctx, repository.ListOptions{
		Status: models.TranscodeStatus(input.Status),
		Limit:  input.Limit,
		Offset: input.Offset(),
	})
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list transcodes", err)
	}

	out := &ListTranscodesOutput{}
	out.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	out.Body.Transcodes = make([]TranscodeResponse, 0, len(rows))
	for _, row := range rows {
		out.Body.Transcodes = append(out.Body.Transcodes, h.response(row))
	}
	return out, nil
}

// GetTranscodeInput identifies a transcode.
type GetTranscodeInput struct {
	ID string `path:"id" doc:"Transcode ID (ULID)"`
}

// GetTranscodeOutput is the output for getting a transcode.
type GetTranscodeOutput struct {
	Body TranscodeResponse
}

// GetByID returns a transcode.
func (h *TranscodeHandler) GetByID(ctx context.Context, input *GetTranscodeInput) (*GetTranscodeOutput, error) {
	tc, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &GetTranscodeOutput{Body: h.response(tc)}, nil
}

// GetUploadPlanOutput is the output for the upload plan.
type GetUploadPlanOutput struct {
	Body UploadPlanResponse
}

// GetUploadPlan returns the artifacts of a completed transcode in upload order.
func (h *TranscodeHandler) GetUploadPlan(ctx context.Context, input *GetTranscodeInput) (*GetUploadPlanOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	plan, err := h.service.UploadPlan(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTranscodeNotFound):
			return nil, huma.Error404NotFound(fmt.Sprintf("transcode %s not found", input.ID))
		case errors.Is(err, transcode.ErrSessionNotFinished):
			return nil, huma.Error409Conflict("transcode has not completed")
		}
		return nil, huma.Error500InternalServerError("failed to get upload plan", err)
	}

	out := &GetUploadPlanOutput{}
	out.Body.TranscodeID = id
	out.Body.Artifacts = make([]ArtifactResponse, 0, len(plan))
	for _, a := range plan {
		out.Body.TotalSize += a.Size
		out.Body.Artifacts = append(out.Body.Artifacts, ArtifactFromModel(a))
	}
	return out, nil
}

// DismissPreviewOutput is the output for dismissing a preview.
type DismissPreviewOutput struct{}

// DismissPreview revokes the preview URLs of a transcode.
func (h *TranscodeHandler) DismissPreview(_ context.Context, input *GetTranscodeInput) (*DismissPreviewOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	if !h.service.DismissPreview(id) {
		return nil, huma.Error404NotFound("no preview for this transcode")
	}
	return &DismissPreviewOutput{}, nil
}

func (h *TranscodeHandler) load(ctx context.Context, rawID string) (*models.Transcode, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	tc, err := h.service.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrTranscodeNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("transcode %s not found", rawID))
		}
		return nil, huma.Error500InternalServerError("failed to get transcode", err)
	}
	return tc, nil
}

// response decorates a ledger row with what only this process knows: the
// live snapshot of a running session and the preview of a completed one.
func (h *TranscodeHandler) response(tc *models.Transcode) TranscodeResponse {
	resp := TranscodeFromModel(tc)
	if snapshot, ok := h.service.Progress(tc.ID); ok {
		live := TranscodeProgressFrom(snapshot)
		resp.Live = &live
		if !tc.IsFinished() {
			resp.Percent = live.Percent
		}
	}
	if result, ok := h.service.Result(tc.ID); ok && result.Preview != nil {
		resp.PreviewURL = result.Preview.MasterURL()
	}
	return resp
}

func splitCodecs(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
