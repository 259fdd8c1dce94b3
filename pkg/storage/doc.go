// Package storage provides the GORM-backed persistence layer.
//
// GormStorage implements core.Storage for the queue engine and also serves as
// the relational store behind the scheduler catch-up service (scheduler_runs),
// the DLQ healer (dead_letters, replay_outcomes), the confidence calibrator
// (review_outcomes, calibration_params) and the alert log (alerts).
//
// Every lock in this package is a conditional UPDATE whose success is decided
// by RowsAffected; no advisory locks or SELECT ... FOR UPDATE round trips are
// needed for correctness.
package storage
