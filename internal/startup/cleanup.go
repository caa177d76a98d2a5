// Package startup provides utilities for application startup and
// maintenance tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultCleanupAge is the default maximum age for orphaned worker workspaces.
const DefaultCleanupAge = 6 * time.Hour

// IsWorkspaceDir reports whether name looks like a worker workspace, which
// is named after its session: "<session ULID>-<resolution>".
func IsWorkspaceDir(name string) bool {
	if len(name) < ulid.EncodedSize+2 || name[ulid.EncodedSize] != '-' {
		return false
	}
	_, err := ulid.ParseStrict(name[:ulid.EncodedSize])
	return err == nil
}

// CleanupOrphanedWorkspaces removes worker workspaces under baseDir that have
// not been modified for maxAge. Workers remove their own workspace when they
// stop; what remains was left by a crash or a killed process.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedWorkspaces(logger *slog.Logger, baseDir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		logger.Debug("workspace directory does not exist, skipping cleanup",
			"path", baseDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			"path", baseDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || !IsWorkspaceDir(entry.Name()) {
			continue
		}

		dirPath := filepath.Join(baseDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent workspace",
				"path", dirPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned workspace",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned workspace",
			"path", dirPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

// InterruptRecoverer marks ledger rows left running by a previous process.
type InterruptRecoverer interface {
	RecoverInterrupted(ctx context.Context) (int64, error)
}

// RecoverInterruptedTranscodes fails every transcode still pending or running
// in the ledger. Sessions live in memory only, so a row in either state at
// startup belongs to a process that is gone and would otherwise never finish.
func RecoverInterruptedTranscodes(ctx context.Context, logger *slog.Logger, r InterruptRecoverer) (int64, error) {
	n, err := r.RecoverInterrupted(ctx)
	if err != nil {
		logger.Error("failed to recover interrupted transcodes",
			"error", err,
		)
		return 0, err
	}
	if n > 0 {
		logger.Warn("marked interrupted transcodes failed",
			"count", n,
		)
	}
	return n, nil
}
