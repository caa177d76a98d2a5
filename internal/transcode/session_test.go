package transcode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/engine"
	"github.com/jmylchreest/hlsforge/internal/ladder"
	"github.com/jmylchreest/hlsforge/internal/storage"
)

func plannedSession(t *testing.T, rec *recorder) *Session {
	t.Helper()
	var observer ProgressFunc
	if rec != nil {
		observer = rec.observe
	}
	s := NewSession(Request{}, observer)
	require.NoError(t, s.begin(nil))
	s.plan(ladder.DefaultLadder)
	return s
}

func TestSession_AggregateProgress(t *testing.T) {
	s := plannedSession(t, nil)

	p := s.Snapshot()
	assert.Equal(t, 3, p.Total)
	assert.Zero(t, p.Percent)

	s.update(0, StatusProcessing, 50, "")
	s.update(1, StatusProcessing, 20, "")
	assert.InDelta(t, 70.0/3, s.Snapshot().Percent, 0.001)

	s.update(0, StatusCompleted, 0, "")
	s.update(2, StatusError, 0, "boom")
	p = s.Snapshot()
	assert.InDelta(t, 220.0/3, p.Percent, 0.001)
	assert.Equal(t, 1, p.Completed)
}

func TestSession_ProgressIsMonotonic(t *testing.T) {
	s := plannedSession(t, nil)

	s.update(0, StatusProcessing, 60, "")
	s.update(0, StatusProcessing, 40, "")
	assert.InDelta(t, 60, s.resolutions()[0].Progress, 0.001)

	s.update(0, StatusProcessing, 140, "")
	assert.InDelta(t, 100, s.resolutions()[0].Progress, 0.001)
}

func TestSession_SettledRecordsAreFinal(t *testing.T) {
	s := plannedSession(t, nil)

	s.update(1, StatusError, 0, "encode failed")
	s.update(1, StatusProcessing, 80, "")
	s.update(1, StatusCompleted, 0, "")

	rec := s.resolutions()[1]
	assert.Equal(t, StatusError, rec.Status)
	assert.Equal(t, "encode failed", rec.Message)

	// out of range updates are ignored
	assert.NotPanics(t, func() { s.update(7, StatusCompleted, 0, "") })
}

func TestSession_ObserverSeesEveryChange(t *testing.T) {
	rec := &recorder{}
	s := plannedSession(t, rec)
	s.update(0, StatusProcessing, 10, "")
	s.setState(StateComplete)

	assert.Len(t, rec.events, 3)
	assert.Equal(t, StateComplete, rec.last().State)
}

func TestSession_NoResolutions(t *testing.T) {
	s := NewSession(Request{}, nil)
	assert.Zero(t, s.Snapshot().Percent)
	s.state = StateComplete
	assert.InDelta(t, 100, s.Snapshot().Percent, 0.001)
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession(Request{Strategy: StrategyParallel}, nil)
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.ID(), 26)
	assert.WithinDuration(t, time.Now(), s.CreatedAt(), time.Minute)
	assert.Equal(t, StrategyParallel, s.Request().Strategy)

	require.NoError(t, s.begin(nil))
	s.setState(StateTranscoding)
	assert.ErrorIs(t, s.begin(nil), ErrSessionNotReady)
	assert.ErrorIs(t, s.Retry(), ErrSessionNotFinished)

	s.plan(ladder.DefaultLadder[:1])
	s.setState(StateError)
	id := s.ID()
	require.NoError(t, s.Retry())
	assert.NotEqual(t, id, s.ID())
	assert.Equal(t, StateReady, s.State())
	assert.Empty(t, s.resolutions())
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateComplete.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateReady.Terminal())
	assert.False(t, StateLoading.Terminal())
	assert.False(t, StateTranscoding.Terminal())
}

func TestParseStrategy(t *testing.T) {
	got, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategySequential, got)

	got, err = ParseStrategy("parallel")
	require.NoError(t, err)
	assert.Equal(t, StrategyParallel, got)

	_, err = ParseStrategy("fastest")
	assert.Error(t, err)
}

func TestWatchdog_FiresAfterConsecutiveStalls(t *testing.T) {
	wd := newWatchdog(10*time.Millisecond, 3)
	fired := make(chan struct{})

	go wd.run(context.Background(), func() { close(fired) })

	select {
	case <-fired:
		assert.Equal(t, 3, wd.stallCount())
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestWatchdog_ActivityResetsCount(t *testing.T) {
	wd := newWatchdog(20*time.Millisecond, 3)
	var fired atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wd.run(ctx, func() { fired.Store(true) })

	// keep touching for well over limit*window
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		wd.touch()
		time.Sleep(2 * time.Millisecond)
	}
	assert.False(t, fired.Load())
	assert.Less(t, wd.stallCount(), 3)
}

func TestWatchdog_StopsOnCancel(t *testing.T) {
	wd := newWatchdog(time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wd.run(ctx, func() {})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog ignored cancellation")
	}
}

func TestClassify(t *testing.T) {
	execErr := func(lines ...string) error {
		return fmt.Errorf("encoding 720p: %w", &engine.ExecError{Err: errors.New("exit status 1"), Stderr: lines})
	}

	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, ClassGeneric},
		{"plain", errors.New("something odd"), ClassGeneric},
		{"corrupt input", execErr("input.mp4: Invalid data found when processing input"), ClassCorruptInput},
		{"missing moov", execErr("moov atom not found"), ClassCorruptInput},
		{"unsupported", execErr("Decoder not found for stream"), ClassUnsupportedInput},
		{"ffmpeg other", execErr("Conversion failed!"), ClassGeneric},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, ClassFilesystem},
		{"not exist", fmt.Errorf("reading: %w", fs.ErrNotExist), ClassFilesystem},
		{"escape", fmt.Errorf("writing: %w", storage.ErrPathEscapes), ClassFilesystem},
		{"joined", errors.Join(ErrAllResolutionsFailed, execErr("corrupt frame")), ClassCorruptInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassification_Message(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range []Classification{ClassFilesystem, ClassCorruptInput, ClassUnsupportedInput, ClassGeneric} {
		msg := c.Message()
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], "duplicate message for %s", c)
		seen[msg] = true
	}
}

func TestFailed(t *testing.T) {
	cause := errors.New("disk full")
	f := newFailed("01S", fmt.Errorf("writing input: %w", &fs.PathError{Op: "write", Path: "in", Err: cause}), nil)

	assert.Equal(t, ClassFilesystem, f.Classification)
	assert.Equal(t, "01S", f.SessionID)
	assert.ErrorIs(t, f, cause)
	assert.Contains(t, f.Error(), "disk full")
	assert.Equal(t, "filesystem", f.LogValue().Group()[0].Value.String())
}

func TestUploadPlan(t *testing.T) {
	files := []artifact.WrappedFile{
		{File: artifact.File{Name: "master.m3u8"}, Role: artifact.RoleVideo},
		{File: artifact.File{Name: "480p_index.m3u8"}, Role: artifact.RolePlaylist},
		{File: artifact.File{Name: "poster.jpg"}, Role: artifact.RolePoster},
		{File: artifact.File{Name: "480p_000.ts"}, Role: artifact.RoleSegment},
		{File: artifact.File{Name: "clip.mp4"}, Role: artifact.RoleSource},
		{File: artifact.File{Name: "720p_index.m3u8"}, Role: artifact.RolePlaylist},
		{File: artifact.File{Name: "notes.txt"}, Role: artifact.Role("other")},
		{File: artifact.File{Name: "480p_001.ts"}, Role: artifact.RoleSegment},
	}

	var names []string
	for _, f := range UploadPlan(files) {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"480p_000.ts", "480p_001.ts",
		"480p_index.m3u8", "720p_index.m3u8",
		"master.m3u8",
		"poster.jpg",
		"clip.mp4",
		"notes.txt",
	}, names)
}
