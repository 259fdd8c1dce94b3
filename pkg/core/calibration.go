package core

import "time"

// ReviewOutcome is one human review of an LLM-proposed rule.
type ReviewOutcome struct {
	ID            string    `gorm:"primaryKey;size:36"`
	RuleID        string    `gorm:"index;size:128"`
	RawConfidence float64   `gorm:"not null"`
	Approved      bool      `gorm:"not null"`
	ReviewedAt    time.Time `gorm:"index;not null"`
}

// CalibrationParams holds a fitted Platt scaling curve.
// P(approve|x) = 1 / (1 + exp(ParamA*x + ParamB)).
type CalibrationParams struct {
	ID         string    `gorm:"primaryKey;size:36"`
	ParamA     float64   `gorm:"not null"`
	ParamB     float64   `gorm:"not null"`
	SampleSize int       `gorm:"not null"`
	ComputedAt time.Time `gorm:"index;not null"`
}
