package core

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// AlertSeverity grades how urgently an operator should look.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType is the closed taxonomy of alerts raised by this layer.
// New kinds are added here and to alertTypes; nothing else accepts raw strings.
type AlertType string

const (
	AlertCircuitOpened       AlertType = "circuit_opened"
	AlertCircuitClosed       AlertType = "circuit_closed"
	AlertSourceCooldown      AlertType = "source_cooldown"
	AlertSchedulerMissedRun  AlertType = "scheduler_missed_run"
	AlertSchedulerStale      AlertType = "scheduler_stale"
	AlertSchedulerContention AlertType = "scheduler_lock_contention"
	AlertDLQEscalated        AlertType = "dlq_escalated"
	AlertDLQReplayFailed     AlertType = "dlq_replay_failed"
	AlertConflictUnresolved  AlertType = "conflict_unresolved"
	AlertCalibrationStale    AlertType = "calibration_cold_start"
)

var alertTypes = map[AlertType]AlertSeverity{
	AlertCircuitOpened:       SeverityCritical,
	AlertCircuitClosed:       SeverityInfo,
	AlertSourceCooldown:      SeverityWarning,
	AlertSchedulerMissedRun:  SeverityWarning,
	AlertSchedulerStale:      SeverityCritical,
	AlertSchedulerContention: SeverityInfo,
	AlertDLQEscalated:        SeverityWarning,
	AlertDLQReplayFailed:     SeverityWarning,
	AlertConflictUnresolved:  SeverityWarning,
	AlertCalibrationStale:    SeverityInfo,
}

// Valid reports whether t belongs to the taxonomy.
func (t AlertType) Valid() bool {
	_, ok := alertTypes[t]
	return ok
}

// DefaultSeverity returns the severity used when an alert does not set one.
func (t AlertType) DefaultSeverity() AlertSeverity {
	if s, ok := alertTypes[t]; ok {
		return s
	}
	return SeverityWarning
}

// ParseAlertType converts a stored or user-supplied string into an AlertType.
func ParseAlertType(s string) (AlertType, error) {
	t := AlertType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlertType, s)
	}
	return t, nil
}

// Alert is an operator-facing notification.
type Alert struct {
	ID        string            `gorm:"primaryKey;size:36"`
	Severity  AlertSeverity     `gorm:"size:20;index"`
	Type      AlertType         `gorm:"size:64;index;not null"`
	EntityID  string            `gorm:"size:255;index"`
	Message   string            `gorm:"type:text"`
	Details   datatypes.JSONMap `gorm:"type:json"`
	CreatedAt time.Time         `gorm:"autoCreateTime;index"`
}
