package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidJobTypeName = errors.New("guard: invalid job type name (must be alphanumeric, start with letter)")
	ErrJobTypeNameTooLong = errors.New("guard: job type name too long")
	ErrInvalidQueueName   = errors.New("guard: invalid queue name")
	ErrQueueNameTooLong   = errors.New("guard: queue name too long")
	ErrJobArgsTooLarge    = errors.New("guard: job arguments exceed size limit")
	ErrJobIDTooLong       = errors.New("guard: job id exceeds maximum length")
	ErrUnknownAlertType   = errors.New("guard: unknown alert type")
)

// Queue engine errors
var (
	ErrJobNotOwned  = errors.New("guard: job not owned by this worker")
	ErrDuplicateJob = errors.New("guard: duplicate job with same id")
)

// Scheduler errors
var (
	ErrRunNotFound            = errors.New("scheduler: run not found")
	ErrInvalidStateTransition = errors.New("scheduler: invalid_state_transition")
	ErrLockContention         = errors.New("scheduler: lock held by another instance")
	ErrLockNotHeld            = errors.New("scheduler: lock not held by this instance")
)

// DLQ errors
var (
	ErrDeadLetterNotFound = errors.New("dlq: entry not found")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
