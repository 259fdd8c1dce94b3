package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/pipeline-guard/pkg/core"
	"github.com/jdziat/pipeline-guard/pkg/security"
)

// oneRunningIndex backs the "at most one RUNNING run per job type" rule on
// databases with partial indexes. MySQL relies on the conditional UPDATE alone.
const oneRunningIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduler_runs_one_running ON scheduler_runs (job_type) WHERE status = 'RUNNING'`

func (s *GormStorage) migrateRunIndexes(ctx context.Context) error {
	if !s.IsSQLite() && !s.isPostgres() {
		return nil
	}
	return s.db.WithContext(ctx).Exec(oneRunningIndex).Error
}

// CreateRunIfAbsent inserts run unless a run for the same (job type, slot)
// already exists. It reports whether a row was inserted; either way the
// stored row is loaded back into run.
func (s *GormStorage) CreateRunIfAbsent(ctx context.Context, run *core.SchedulerRun) (bool, error) {
	if err := security.ValidateJobTypeName(run.JobType); err != nil {
		return false, err
	}
	run.ScheduledAt = core.NormalizeSlot(run.ScheduledAt)
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = core.RunExpected
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_type"}, {Name: "scheduled_at"}},
			DoNothing: true,
		}).
		Create(run)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	existing, err := s.GetRunBySlot(ctx, run.JobType, run.ScheduledAt)
	if err != nil {
		return false, err
	}
	*run = *existing
	return false, nil
}

// GetRun loads a run by ID, or returns core.ErrRunNotFound.
func (s *GormStorage) GetRun(ctx context.Context, runID string) (*core.SchedulerRun, error) {
	var run core.SchedulerRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunBySlot loads the run for (jobType, scheduledAt), or returns core.ErrRunNotFound.
func (s *GormStorage) GetRunBySlot(ctx context.Context, jobType string, scheduledAt time.Time) (*core.SchedulerRun, error) {
	var run core.SchedulerRun
	err := s.db.WithContext(ctx).
		Where("job_type = ? AND scheduled_at = ?", jobType, core.NormalizeSlot(scheduledAt)).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ClaimRun moves an EXPECTED run to RUNNING in one conditional UPDATE and
// reports whether this caller won. With exclusive set the UPDATE is further
// guarded by the absence of any other RUNNING run of jobType.
func (s *GormStorage) ClaimRun(ctx context.Context, runID, jobType, instanceID string, exclusive bool) (bool, error) {
	now := time.Now().UTC()
	q := s.db.WithContext(ctx).
		Model(&core.SchedulerRun{}).
		Where("id = ? AND status = ?", runID, core.RunExpected)
	if exclusive {
		// The derived table lets MySQL read the table being updated.
		q = q.Where("job_type = ?", jobType).
			Where("NOT EXISTS (SELECT 1 FROM (SELECT id FROM scheduler_runs WHERE job_type = ? AND status = ?) AS running)",
				jobType, core.RunRunning)
	}

	result := q.Updates(map[string]any{
		"status":      core.RunRunning,
		"lock_holder": instanceID,
		"started_at":  now,
	})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FinishRun moves a RUNNING run held by instanceID to status (COMPLETED or
// FAILED). It reports false when the caller does not hold the run.
func (s *GormStorage) FinishRun(ctx context.Context, runID, instanceID string, status core.RunStatus, errMsg string) (bool, error) {
	updates := map[string]any{
		"status":       status,
		"completed_at": time.Now().UTC(),
	}
	if errMsg != "" {
		updates["error_message"] = security.SanitizeErrorMessage(errMsg)
	}
	result := s.db.WithContext(ctx).
		Model(&core.SchedulerRun{}).
		Where("id = ? AND status = ? AND lock_holder = ?", runID, core.RunRunning, instanceID).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkRunMissed moves an EXPECTED or FAILED run to MISSED.
func (s *GormStorage) MarkRunMissed(ctx context.Context, runID, reason string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.SchedulerRun{}).
		Where("id = ? AND status IN ?", runID, []core.RunStatus{core.RunExpected, core.RunFailed}).
		Updates(map[string]any{
			"status":        core.RunMissed,
			"error_message": security.SanitizeErrorMessage(reason),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListRuns returns runs of jobType in the given statuses scheduled within
// [from, to], oldest first. An empty statuses slice matches every status.
func (s *GormStorage) ListRuns(ctx context.Context, jobType string, statuses []core.RunStatus, from, to time.Time) ([]core.SchedulerRun, error) {
	q := s.db.WithContext(ctx).
		Where("job_type = ?", jobType).
		Where("scheduled_at >= ? AND scheduled_at <= ?", from.UTC(), to.UTC())
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var runs []core.SchedulerRun
	err := q.Order("scheduled_at ASC").Find(&runs).Error
	return runs, err
}

// LatestRun returns the most recently scheduled run of jobType in status, or
// nil when there is none. COMPLETED runs are ordered by completion time.
func (s *GormStorage) LatestRun(ctx context.Context, jobType string, status core.RunStatus) (*core.SchedulerRun, error) {
	order := "scheduled_at DESC"
	if status == core.RunCompleted {
		order = "completed_at DESC"
	}
	var run core.SchedulerRun
	err := s.db.WithContext(ctx).
		Where("job_type = ? AND status = ?", jobType, status).
		Order(order).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// PruneRuns deletes terminal runs scheduled before cutoff.
func (s *GormStorage) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("scheduled_at < ?", cutoff.UTC()).
		Where("status IN ?", []core.RunStatus{core.RunCompleted, core.RunFailed, core.RunMissed}).
		Delete(&core.SchedulerRun{})
	return result.RowsAffected, result.Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
