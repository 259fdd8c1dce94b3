package core

import "time"

// RunStatus is the lifecycle state of a SchedulerRun.
type RunStatus string

const (
	RunExpected  RunStatus = "EXPECTED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunMissed    RunStatus = "MISSED"
)

// IsTerminal reports whether no further transition is allowed from the status.
// FAILED is terminal for execution but may still be marked MISSED by catch-up.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunMissed:
		return true
	}
	return false
}

// SchedulerRun is one expected execution of a periodic job. The row doubles
// as the distributed lock for that execution.
type SchedulerRun struct {
	ID           string     `gorm:"primaryKey;size:36"`
	JobType      string     `gorm:"size:255;not null;uniqueIndex:idx_scheduler_runs_slot;index:idx_scheduler_runs_type_status"`
	ScheduledAt  time.Time  `gorm:"not null;uniqueIndex:idx_scheduler_runs_slot"`
	Status       RunStatus  `gorm:"size:20;not null;default:'EXPECTED';index:idx_scheduler_runs_type_status"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LockHolder   string    `gorm:"size:255"`
	ErrorMessage string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// NormalizeSlot maps a scheduled time onto the canonical slot key used by
// the (job_type, scheduled_at) unique index.
func NormalizeSlot(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
