package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DeadLetterStatus tracks whether a DLQ entry is still a replay candidate.
type DeadLetterStatus string

const (
	DeadLetterWaiting   DeadLetterStatus = "waiting"
	DeadLetterEscalated DeadLetterStatus = "escalated"
)

// DeadLetter is a job that exhausted the queue engine's own retries.
type DeadLetter struct {
	ID             string           `gorm:"primaryKey;size:36"`
	OriginalJobID  string           `gorm:"index;size:128;not null"`
	OriginalQueue  string           `gorm:"size:255;not null"`
	JobType        string           `gorm:"size:255;not null"`
	JobData        []byte           `gorm:"type:bytes"`
	Error          string           `gorm:"type:text"`
	ErrorCategory  string           `gorm:"size:20;index"`
	FailedAt       time.Time        `gorm:"index;not null"`
	RetryCount     int              `gorm:"default:0"`
	IdempotencyKey string           `gorm:"index;size:64;not null"`
	Status         DeadLetterStatus `gorm:"size:20;index;default:'waiting'"`
	CreatedAt      time.Time        `gorm:"autoCreateTime"`
}

// IdempotencyKey derives the replay key for a job and its payload.
func IdempotencyKey(jobID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ReplayOutcome records how a replayed DLQ job eventually fared.
type ReplayOutcome struct {
	ID            string    `gorm:"primaryKey;size:36"`
	JobID         string    `gorm:"index;size:128"`
	Queue         string    `gorm:"size:255"`
	ErrorCategory string    `gorm:"size:20;index"`
	WaitMs        int64     `gorm:"not null"`
	Success       bool      `gorm:"not null"`
	RecordedAt    time.Time `gorm:"index;not null"`
}

// ReplayStats aggregates replay outcomes for one error category.
type ReplayStats struct {
	ErrorCategory string
	Total         int64
	Successes     int64
	AvgSuccessMs  float64
}
