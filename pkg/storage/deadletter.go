package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// ListDeadLetters returns DLQ entries in the given statuses, oldest failure
// first. An empty statuses slice matches every entry.
func (s *GormStorage) ListDeadLetters(ctx context.Context, statuses []core.DeadLetterStatus, limit int) ([]core.DeadLetter, error) {
	q := s.db.WithContext(ctx).Order("failed_at ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []core.DeadLetter
	err := q.Find(&entries).Error
	return entries, err
}

// GetDeadLetter loads an entry by ID, or returns core.ErrDeadLetterNotFound.
func (s *GormStorage) GetDeadLetter(ctx context.Context, id string) (*core.DeadLetter, error) {
	var entry core.DeadLetter
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteDeadLetter removes a replayed entry.
func (s *GormStorage) DeleteDeadLetter(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&core.DeadLetter{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrDeadLetterNotFound
	}
	return nil
}

// UpdateDeadLetterStatus moves an entry from one status to another and
// reports whether this caller made the change.
func (s *GormStorage) UpdateDeadLetterStatus(ctx context.Context, id string, from, to core.DeadLetterStatus) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.DeadLetter{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeadLetterCount is the number of DLQ entries per category and status.
type DeadLetterCount struct {
	ErrorCategory string                `json:"error_category"`
	Status        core.DeadLetterStatus `json:"status"`
	Count         int64                 `json:"count"`
}

// CountDeadLetters groups the DLQ by category and status.
func (s *GormStorage) CountDeadLetters(ctx context.Context) ([]DeadLetterCount, error) {
	var rows []DeadLetterCount
	err := s.db.WithContext(ctx).
		Model(&core.DeadLetter{}).
		Select("error_category, status, count(*) as count").
		Group("error_category, status").
		Order("error_category, status").
		Find(&rows).Error
	return rows, err
}

// RecordReplayOutcome stores how a replayed job fared.
func (s *GormStorage) RecordReplayOutcome(ctx context.Context, o *core.ReplayOutcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(o).Error
}

// GetReplayStats aggregates replay outcomes recorded since the given time,
// one row per error category.
func (s *GormStorage) GetReplayStats(ctx context.Context, since time.Time) ([]core.ReplayStats, error) {
	var rows []core.ReplayStats
	err := s.db.WithContext(ctx).
		Model(&core.ReplayOutcome{}).
		Select(`error_category,
			count(*) AS total,
			sum(CASE WHEN success THEN 1 ELSE 0 END) AS successes,
			coalesce(avg(CASE WHEN success THEN wait_ms END), 0) AS avg_success_ms`).
		Where("recorded_at >= ?", since.UTC()).
		Group("error_category").
		Order("error_category").
		Scan(&rows).Error
	return rows, err
}
