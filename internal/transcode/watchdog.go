package transcode

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrStalled is the cancellation cause when an encode stops reporting activity.
var ErrStalled = errors.New("encode stalled")

// watchdog counts consecutive idle windows without engine activity and fires
// once the limit is reached. Any activity resets the count.
type watchdog struct {
	window time.Duration
	limit  int
	last   atomic.Int64
	stalls atomic.Int32
}

func newWatchdog(window time.Duration, limit int) *watchdog {
	w := &watchdog{window: window, limit: limit}
	w.touch()
	return w
}

func (w *watchdog) touch() {
	w.last.Store(time.Now().UnixNano())
}

func (w *watchdog) stallCount() int {
	return int(w.stalls.Load())
}

// run blocks until ctx is done or the stall limit is hit, in which case
// onStall is called once.
func (w *watchdog) run(ctx context.Context, onStall func()) {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, w.last.Load())) < w.window {
				w.stalls.Store(0)
				continue
			}
			if int(w.stalls.Add(1)) >= w.limit {
				onStall()
				return
			}
		}
	}
}
