// Package core provides the fundamental types and interfaces for pipeline-guard.
//
// This package contains:
//   - Job, SchedulerRun, DeadLetter and the calibration/replay history models with GORM annotations
//   - RuleCandidate and AuthorityLevel used by conflict detection
//   - Alert and the closed AlertType taxonomy
//   - Storage interface defining the queue engine's persistence contract
//   - Event types for queue monitoring
//   - Error types shared by every component
//
// Most users should import the root package github.com/jdziat/pipeline-guard
// instead of this package directly.
package core
