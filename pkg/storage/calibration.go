package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// SaveReviewOutcome records one human review decision.
func (s *GormStorage) SaveReviewOutcome(ctx context.Context, o *core.ReviewOutcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.ReviewedAt.IsZero() {
		o.ReviewedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(o).Error
}

// ListReviewOutcomes returns review outcomes recorded at or after since.
func (s *GormStorage) ListReviewOutcomes(ctx context.Context, since time.Time) ([]core.ReviewOutcome, error) {
	var outcomes []core.ReviewOutcome
	err := s.db.WithContext(ctx).
		Where("reviewed_at >= ?", since.UTC()).
		Order("reviewed_at ASC").
		Find(&outcomes).Error
	return outcomes, err
}

// SaveCalibrationParams stores a newly fitted curve.
func (s *GormStorage) SaveCalibrationParams(ctx context.Context, p *core.CalibrationParams) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.ComputedAt.IsZero() {
		p.ComputedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// LatestCalibrationParams returns the most recently computed curve, or nil
// when none has been stored.
func (s *GormStorage) LatestCalibrationParams(ctx context.Context) (*core.CalibrationParams, error) {
	var p core.CalibrationParams
	err := s.db.WithContext(ctx).Order("computed_at DESC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PruneCalibrationParams deletes curves computed before cutoff. The latest
// curve is always kept.
func (s *GormStorage) PruneCalibrationParams(ctx context.Context, cutoff time.Time) (int64, error) {
	latest, err := s.LatestCalibrationParams(ctx)
	if err != nil || latest == nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).
		Where("computed_at < ? AND id <> ?", cutoff.UTC(), latest.ID).
		Delete(&core.CalibrationParams{})
	return result.RowsAffected, result.Error
}
