package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/http/handlers"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/service"
	"github.com/jmylchreest/hlsforge/internal/service/progress"
	"github.com/jmylchreest/hlsforge/internal/transcode"
)

func newProgressRouter(t *testing.T, heartbeat time.Duration) (*chi.Mux, *progress.Service) {
	t.Helper()
	svc := progress.NewService(observability.NewDiscardLogger(), time.Minute)
	h := handlers.NewProgressHandler(svc).WithHeartbeat(heartbeat).WithLogger(observability.NewDiscardLogger())

	router := chi.NewRouter()
	h.Register(humachi.New(router, huma.DefaultConfig("Test API", "1.0.0")))
	h.RegisterSSE(router)
	return router, svc
}

func midwaySnapshot(sessionID string) transcode.Progress {
	return transcode.Progress{
		SessionID: sessionID,
		State:     transcode.StateTranscoding,
		Percent:   50,
		Completed: 1,
		Total:     3,
		Resolutions: []transcode.ResolutionProgress{
			{Height: 480, Status: transcode.StatusCompleted, Progress: 100},
			{Height: 720, Status: transcode.StatusProcessing, Progress: 50, Message: "frame=120"},
			{Height: 1080, Status: transcode.StatusQueued},
		},
	}
}

// startTranscode registers a transcode session halfway through its encodes.
func startTranscode(t *testing.T, svc *progress.Service) (models.ULID, *progress.OperationManager) {
	t.Helper()
	id := models.NewULID()
	op, err := svc.StartOperation(progress.OpTranscode, id, service.OwnerTypeTranscode, nil)
	require.NoError(t, err)
	op.SetMetadata("input_name", "holiday.mp4")
	op.ApplyTranscode(midwaySnapshot("01SESSION"))
	return id, op
}

// finishSweep records a completed maintenance sweep.
func finishSweep(t *testing.T, svc *progress.Service) {
	t.Helper()
	stages := []progress.StageInfo{
		{ID: "workspaces", Name: "workspaces", Weight: 1},
		{ID: "previews", Name: "previews", Weight: 1},
	}
	op, err := svc.StartOperation(progress.OpMaintenance, models.NewULID(), "maintenance", stages)
	require.NoError(t, err)
	op.StartStage("workspaces").Complete()
	op.StartStage("previews").Complete()
	op.SetMetadata("removed", 3)
	op.Complete("removed 3")
}

func getJSON[T any](t *testing.T, router http.Handler, target string) (int, T) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	var v T
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	}
	return rec.Code, v
}

func assertMidway(t *testing.T, op handlers.OperationResponse) {
	t.Helper()
	assert.Equal(t, "transcode", op.Type)
	assert.Equal(t, "processing", op.State)
	assert.InDelta(t, 50, op.Percent, 0.001)
	assert.Equal(t, "holiday.mp4", op.InputName)
	assert.Empty(t, op.Tasks)

	require.NotNil(t, op.Transcode)
	assert.Equal(t, "01SESSION", op.Transcode.SessionID)
	assert.Equal(t, 1, op.Transcode.Completed)
	assert.Equal(t, 3, op.Transcode.Total)
	assert.Equal(t, []handlers.ResolutionProgressResponse{
		{Height: 480, Status: "completed", Progress: 100},
		{Height: 720, Status: "processing", Progress: 50, Message: "frame=120"},
		{Height: 1080, Status: "queued"},
	}, op.Transcode.Resolutions)
}

func TestProgressHandler_TranscodeProgress(t *testing.T) {
	router, svc := newProgressRouter(t, time.Minute)
	id, op := startTranscode(t, svc)

	code, byTranscode := getJSON[handlers.OperationResponse](t, router, "/api/v1/transcodes/"+id.String()+"/progress")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id.String(), byTranscode.TranscodeID)
	assert.Equal(t, op.OperationID(), byTranscode.ID)
	assertMidway(t, byTranscode)

	code, byID := getJSON[handlers.OperationResponse](t, router, "/api/v1/progress/operations/"+op.OperationID())
	require.Equal(t, http.StatusOK, code)
	assertMidway(t, byID)

	op.SetMetadata("master_address", "bafymaster")
	op.SetMetadata("preview_url", "/preview/tok/master.m3u8")
	op.Complete("Packaged 3 resolutions")
	_, done := getJSON[handlers.OperationResponse](t, router, "/api/v1/transcodes/"+id.String()+"/progress")
	assert.Equal(t, "completed", done.State)
	assert.Equal(t, "bafymaster", done.MasterAddress)
	assert.Equal(t, "/preview/tok/master.m3u8", done.PreviewURL)
	assert.NotNil(t, done.CompletedAt)
}

func TestProgressHandler_TranscodeProgressErrors(t *testing.T) {
	router, _ := newProgressRouter(t, time.Minute)

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"unknown transcode", "/api/v1/transcodes/" + models.NewULID().String() + "/progress", http.StatusNotFound},
		{"malformed transcode id", "/api/v1/transcodes/nope/progress", http.StatusBadRequest},
		{"unknown operation", "/api/v1/progress/operations/missing", http.StatusNotFound},
		{"malformed filter", "/api/v1/progress/operations?transcode_id=nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestProgressHandler_ListOperations(t *testing.T) {
	router, svc := newProgressRouter(t, time.Minute)
	id, _ := startTranscode(t, svc)
	time.Sleep(2 * time.Millisecond)
	finishSweep(t, svc)

	type listBody struct {
		Operations []handlers.OperationResponse `json:"operations"`
	}

	_, all := getJSON[listBody](t, router, "/api/v1/progress/operations")
	require.Len(t, all.Operations, 2)
	assert.Equal(t, "maintenance", all.Operations[0].Type, "newest first")
	assert.Equal(t, "transcode", all.Operations[1].Type)

	_, sweeps := getJSON[listBody](t, router, "/api/v1/progress/operations?type=maintenance")
	require.Len(t, sweeps.Operations, 1)
	sweep := sweeps.Operations[0]
	assert.Nil(t, sweep.Transcode)
	assert.Empty(t, sweep.TranscodeID)
	assert.Equal(t, []handlers.TaskProgressResponse{
		{Name: "workspaces", State: "completed"},
		{Name: "previews", State: "completed"},
	}, sweep.Tasks)
	require.NotNil(t, sweep.Removed)
	assert.Equal(t, 3, *sweep.Removed)

	_, active := getJSON[listBody](t, router, "/api/v1/progress/operations?active_only=true")
	require.Len(t, active.Operations, 1)
	assert.Equal(t, id.String(), active.Operations[0].TranscodeID)

	_, one := getJSON[listBody](t, router, "/api/v1/progress/operations?transcode_id="+id.String())
	require.Len(t, one.Operations, 1)
	assertMidway(t, one.Operations[0])

	_, none := getJSON[listBody](t, router, "/api/v1/progress/operations?transcode_id="+models.NewULID().String())
	assert.Empty(t, none.Operations)
}

// sseReader reads an event stream line by line.
type sseReader struct {
	t    *testing.T
	scan *bufio.Scanner
}

func openEvents(t *testing.T, srv *httptest.Server, query string) *sseReader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/progress/events"+query, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := &sseReader{t: t, scan: bufio.NewScanner(resp.Body)}
	r.until(func(line string) bool { return line == ":connected" })
	return r
}

// until returns the first line satisfying match.
func (r *sseReader) until(match func(string) bool) string {
	r.t.Helper()
	for r.scan.Scan() {
		if line := r.scan.Text(); match(line) {
			return line
		}
	}
	r.t.Fatalf("stream ended: %v", r.scan.Err())
	return ""
}

// next returns the next event's name and payload.
func (r *sseReader) next() (string, handlers.OperationResponse) {
	r.t.Helper()
	name := strings.TrimPrefix(r.until(func(l string) bool { return strings.HasPrefix(l, "event: ") }), "event: ")
	data := strings.TrimPrefix(r.until(func(l string) bool { return strings.HasPrefix(l, "data: ") }), "data: ")
	var op handlers.OperationResponse
	require.NoError(r.t, json.Unmarshal([]byte(data), &op))
	return name, op
}

func TestProgressHandler_StreamEvents(t *testing.T) {
	router, svc := newProgressRouter(t, time.Minute)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	id := models.NewULID()
	events := openEvents(t, srv, "?transcode_id="+id.String())

	op, err := svc.StartOperation(progress.OpTranscode, id, service.OwnerTypeTranscode, nil)
	require.NoError(t, err)
	// another session and a sweep never reach this stream
	_, _ = startTranscode(t, svc)
	finishSweep(t, svc)

	op.SetMetadata("input_name", "holiday.mp4")
	op.ApplyTranscode(midwaySnapshot("01SESSION"))

	var last handlers.OperationResponse
	for last.Transcode == nil {
		name, ev := events.next()
		assert.Equal(t, id.String(), ev.TranscodeID)
		assert.NotEqual(t, "completed", name)
		last = ev
	}
	assertMidway(t, last)

	op.Complete("Packaged 3 resolutions")
	for {
		name, ev := events.next()
		if name == "completed" {
			assert.Equal(t, "completed", ev.State)
			assert.Equal(t, id.String(), ev.TranscodeID)
			break
		}
	}
}

func TestProgressHandler_StreamHeartbeat(t *testing.T) {
	router, _ := newProgressRouter(t, 20*time.Millisecond)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	events := openEvents(t, srv, "?type=maintenance")
	line := events.until(func(l string) bool { return strings.HasPrefix(l, ":heartbeat ") })
	assert.NotEmpty(t, strings.TrimPrefix(line, ":heartbeat "))
}

func TestProgressHandler_StreamRejectsBadFilter(t *testing.T) {
	router, _ := newProgressRouter(t, time.Minute)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/progress/events?transcode_id=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
