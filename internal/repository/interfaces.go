// Package repository provides data access for the transcode ledger.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// ListOptions pages and filters ledger listings.
type ListOptions struct {
	// Status restricts the listing when non-empty.
	Status models.TranscodeStatus
	Limit  int
	Offset int
}

// TranscodeRepository persists transcodes and their artifacts.
type TranscodeRepository interface {
	// Create inserts a new transcode.
	Create(ctx context.Context, tc *models.Transcode) error
	// Update saves every column of an existing transcode, not its artifacts.
	Update(ctx context.Context, tc *models.Transcode) error
	// GetByID returns the transcode with its artifacts in upload order,
	// or models.ErrTranscodeNotFound.
	GetByID(ctx context.Context, id models.ULID) (*models.Transcode, error)
	// List returns transcodes newest first, without artifacts, and the total
	// count matching the filter.
	List(ctx context.Context, opts ListOptions) ([]*models.Transcode, int64, error)
	// ReplaceArtifacts atomically swaps the artifact rows of a transcode.
	ReplaceArtifacts(ctx context.Context, id models.ULID, artifacts []models.SessionArtifact) error
	// MarkInterrupted fails every pending or running transcode. It is used at
	// startup, when no session can still be executing.
	MarkInterrupted(ctx context.Context, message string) (int64, error)
	// DeleteFinishedBefore removes finished transcodes completed before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
