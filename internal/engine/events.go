package engine

import (
	"fmt"
	"strings"
	"time"
)

// ProgressEvent reports encode position for the running command.
type ProgressEvent struct {
	// Progress is 0..1, or 0 while the input duration is unknown.
	Progress float64
	Time     time.Duration
}

// LogEvent is one line of ffmpeg diagnostic output.
type LogEvent struct {
	Type    string // "stderr" or "info"
	Message string
}

// ExecError is returned when ffmpeg exits unsuccessfully. Stderr holds the
// last lines of diagnostic output for classification.
type ExecError struct {
	Args   []string
	Err    error
	Stderr []string
}

func (e *ExecError) Error() string {
	if len(e.Stderr) == 0 {
		return fmt.Sprintf("ffmpeg failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed: %v: %s", e.Err, e.Stderr[len(e.Stderr)-1])
}

func (e *ExecError) Unwrap() error { return e.Err }

// Output returns the captured stderr tail as one string.
func (e *ExecError) Output() string {
	return strings.Join(e.Stderr, "\n")
}

// tail keeps the last n lines written to it.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	if len(t.lines) == t.n {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.n-1]
	}
	t.lines = append(t.lines, line)
}
