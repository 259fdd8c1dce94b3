package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/pipeline-guard/pkg/core"
)

// SaveAlert appends an alert to the alert log.
func (s *GormStorage) SaveAlert(ctx context.Context, a *core.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	Type     core.AlertType
	EntityID string
	Since    time.Time
	Limit    int
}

// ListAlerts returns alerts newest first.
func (s *GormStorage) ListAlerts(ctx context.Context, f AlertFilter) ([]core.Alert, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var alerts []core.Alert
	err := q.Limit(limit).Find(&alerts).Error
	return alerts, err
}
