package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/ladder"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/storage"
	"github.com/jmylchreest/hlsforge/internal/testutil"
)

func spawn(t *testing.T, fake *testutil.FakeFFmpeg, initTimeout time.Duration) (*Worker, *storage.Sandbox) {
	t.Helper()
	ws, err := storage.NewSandbox(t.TempDir())
	require.NoError(t, err)

	w := Spawn(context.Background(), Config{
		Name:        "w720",
		Workspace:   ws,
		Bootstrap:   fake,
		Runner:      fake,
		InitTimeout: initTimeout,
		Logger:      observability.NewDiscardLogger(),
	})
	t.Cleanup(w.Terminate)
	return w, ws
}

func request(res ladder.Resolution) TranscodeResolution {
	return TranscodeResolution{
		InputBytes: []byte("source"),
		InputName:  "input.mp4",
		Resolution: res,
		SessionID:  "01SESSION",
	}
}

func TestWorker_TranscodeResolution(t *testing.T) {
	fake := testutil.NewFakeFFmpeg()
	fake.Segments = 3
	w, _ := spawn(t, fake, time.Second)
	ctx := context.Background()

	init, err := w.Initialize(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, init.Threads, 1)
	assert.Equal(t, init.Threads > 1, init.MultiThreaded)
	assert.Equal(t, "6.1.1", init.Version)

	var mu sync.Mutex
	var progress []Progress
	files, err := w.TranscodeResolution(ctx, request(ladder.DefaultLadder[1]), func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p)
	})
	require.NoError(t, err)

	require.Len(t, files, 4)
	assert.Equal(t, "720p_index.m3u8", files[0].Name)
	assert.Equal(t, "720p_000.ts", files[1].Name)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.InDelta(t, 100, last.Percent, 0.01)
	assert.Equal(t, 720, last.Resolution.Height)
	assert.NotEmpty(t, last.OperationID)
}

func TestWorker_TranscodeFailureIsReported(t *testing.T) {
	fake := testutil.NewFakeFFmpeg()
	fake.FailHeights[480] = "Invalid data found when processing input"
	w, _ := spawn(t, fake, time.Second)
	ctx := context.Background()

	_, err := w.Initialize(ctx)
	require.NoError(t, err)

	_, err = w.TranscodeResolution(ctx, request(ladder.DefaultLadder[0]), nil)
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "Invalid data found")

	// the worker stays usable after a failed operation
	files, err := w.TranscodeResolution(ctx, request(ladder.DefaultLadder[1]), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestWorker_InitTimeout(t *testing.T) {
	fake := testutil.NewFakeFFmpeg()
	fake.DetectDelay = time.Minute
	w, _ := spawn(t, fake, 50*time.Millisecond)

	start := time.Now()
	_, err := w.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker still running after init timeout")
	}

	_, err = w.TranscodeResolution(context.Background(), request(ladder.DefaultLadder[0]), nil)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestWorker_InitFailure(t *testing.T) {
	fake := testutil.NewFakeFFmpeg()
	fake.DetectErr = errors.New("ffmpeg not found")
	w, _ := spawn(t, fake, time.Second)

	_, err := w.Initialize(context.Background())
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "ffmpeg not found")
}

func TestWorker_TranscodeBeforeInitialize(t *testing.T) {
	w, _ := spawn(t, testutil.NewFakeFFmpeg(), time.Second)
	_, err := w.TranscodeResolution(context.Background(), request(ladder.DefaultLadder[0]), nil)
	require.ErrorIs(t, err, ErrRemote)
	assert.Contains(t, err.Error(), "engine not loaded")
}

func TestWorker_CancelAbortsEncode(t *testing.T) {
	fake := testutil.NewFakeFFmpeg()
	fake.StallHeights[1080] = true
	w, _ := spawn(t, fake, time.Second)

	_, err := w.Initialize(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = w.TranscodeResolution(ctx, request(ladder.DefaultLadder[2]), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker still running after cancellation")
	}
}

func TestWorker_TerminateIdempotentAndCleansSandbox(t *testing.T) {
	w, ws := spawn(t, testutil.NewFakeFFmpeg(), time.Second)
	_, err := w.Initialize(context.Background())
	require.NoError(t, err)

	dir := filepath.Join(ws.BaseDir(), "w720")
	_, err = os.Stat(dir)
	require.NoError(t, err, "sandbox exists while running")

	w.Terminate()
	w.Terminate()

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "sandbox removed on exit")
}

func TestWorker_NoWorkspace(t *testing.T) {
	w := Spawn(context.Background(), Config{Logger: observability.NewDiscardLogger()})
	defer w.Terminate()

	_, err := w.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)
}
