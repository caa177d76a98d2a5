package engine

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"
)

// Runner executes one ffmpeg process. Tests substitute a fake that writes files
// into dir and scripted lines to stderr.
type Runner interface {
	Run(ctx context.Context, dir, binary string, args []string, stderr io.Writer) error
}

// ExecRunner runs ffmpeg with os/exec. On cancellation ffmpeg receives SIGINT so
// it can flush and exit, and is killed if it has not exited after GracePeriod.
type ExecRunner struct {
	GracePeriod time.Duration
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir, binary string, args []string, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd.Run()
}
