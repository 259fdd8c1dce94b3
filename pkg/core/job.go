package core

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusRunning      JobStatus = "running"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusDeadLettered JobStatus = "dead_lettered" // Retries exhausted, copy lives in the DLQ
)

// ReplayCountKey is the payload field carrying the DLQ replay counter.
const ReplayCountKey = "_dlq_retry_count"

// Job represents a unit of work handled by the queue engine.
type Job struct {
	ID              string     `gorm:"primaryKey;size:128"`
	Type            string     `gorm:"index;size:255;not null"`
	Args            []byte     `gorm:"type:bytes"`
	Queue           string     `gorm:"index;size:255;default:'default'"`
	Priority        int        `gorm:"index;default:0"`
	Status          JobStatus  `gorm:"index;size:20;default:'pending'"`
	Attempt         int        `gorm:"default:0"`
	MaxRetries      int        `gorm:"default:3"`
	LastError       string     `gorm:"type:text"`
	RunAt           *time.Time `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time

	// DLQ replay bookkeeping, zero for first-time jobs.
	ReplayCount    int    `gorm:"default:0"`
	ReplayWaitMs   int64  `gorm:"default:0"`
	ReplayCategory string `gorm:"size:20"`
}

// IsReplay reports whether the job was re-enqueued from the dead-letter queue.
func (j *Job) IsReplay() bool {
	return j.ReplayCount > 0
}

// EmbedReplayCount writes the replay counter into a JSON object payload.
// Payloads that are not JSON objects are returned unchanged; the Job's
// ReplayCount column remains the authoritative counter for those.
func EmbedReplayCount(payload []byte, n int) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return payload
	}
	obj[ReplayCountKey] = raw
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// ReplayCountFromPayload reads the replay counter embedded by EmbedReplayCount.
func ReplayCountFromPayload(payload []byte) (int, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return 0, false
	}
	raw, ok := obj[ReplayCountKey]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}
