package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/hlsforge/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// transcodeRepo implements TranscodeRepository using GORM.
type transcodeRepo struct {
	db *gorm.DB
}

// NewTranscodeRepository creates a TranscodeRepository.
func NewTranscodeRepository(db *gorm.DB) *transcodeRepo {
	return &transcodeRepo{db: db}
}

var _ TranscodeRepository = (*transcodeRepo)(nil)

func (r *transcodeRepo) Create(ctx context.Context, tc *models.Transcode) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Omit("Artifacts").Create(tc).Error; err != nil {
		return fmt.Errorf("creating transcode: %w", err)
	}
	return nil
}

func (r *transcodeRepo) Update(ctx context.Context, tc *models.Transcode) error {
	if err := r.db.WithContext(ctx).Omit("Artifacts").Save(tc).Error; err != nil {
		return fmt.Errorf("updating transcode: %w", err)
	}
	return nil
}

func (r *transcodeRepo) GetByID(ctx context.Context, id models.ULID) (*models.Transcode, error) {
	var tc models.Transcode
	err := r.db.WithContext(ctx).
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB {
			return db.Order("upload_order ASC")
		}).
		Where("id = ?", id).
		First(&tc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrTranscodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting transcode by ID: %w", err)
	}
	return &tc, nil
}

func (r *transcodeRepo) List(ctx context.Context, opts ListOptions) ([]*models.Transcode, int64, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := r.db.WithContext(ctx).Model(&models.Transcode{})
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting transcodes: %w", err)
	}

	var out []*models.Transcode
	err := query.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(max(opts.Offset, 0)).
		Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing transcodes: %w", err)
	}
	return out, total, nil
}

func (r *transcodeRepo) ReplaceArtifacts(ctx context.Context, id models.ULID, artifacts []models.SessionArtifact) error {
	for i := range artifacts {
		if err := artifacts[i].Validate(); err != nil {
			return fmt.Errorf("artifact %d: %w", i, err)
		}
		artifacts[i].TranscodeID = id
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("transcode_id = ?", id).Delete(&models.SessionArtifact{}).Error; err != nil {
			return fmt.Errorf("deleting artifacts: %w", err)
		}
		if len(artifacts) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(artifacts, 100).Error; err != nil {
			return fmt.Errorf("creating artifacts: %w", err)
		}
		return nil
	})
}

func (r *transcodeRepo) MarkInterrupted(ctx context.Context, message string) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Transcode{}).
		Where("status IN ?", []models.TranscodeStatus{models.TranscodeStatusPending, models.TranscodeStatusRunning}).
		Updates(map[string]any{
			"status":        models.TranscodeStatusFailed,
			"error_class":   "generic",
			"error_message": message,
			"completed_at":  now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("marking interrupted transcodes: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *transcodeRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		finished := tx.Model(&models.Transcode{}).
			Select("id").
			Where("status IN ?", []models.TranscodeStatus{models.TranscodeStatusComplete, models.TranscodeStatusFailed}).
			Where("completed_at < ?", cutoff)

		if err := tx.Unscoped().Where("transcode_id IN (?)", finished).Delete(&models.SessionArtifact{}).Error; err != nil {
			return fmt.Errorf("deleting artifacts: %w", err)
		}
		result := tx.Unscoped().
			Where("status IN ?", []models.TranscodeStatus{models.TranscodeStatusComplete, models.TranscodeStatusFailed}).
			Where("completed_at < ?", cutoff).
			Delete(&models.Transcode{})
		if result.Error != nil {
			return fmt.Errorf("deleting transcodes: %w", result.Error)
		}
		deleted = result.RowsAffected
		return nil
	})
	return deleted, err
}
