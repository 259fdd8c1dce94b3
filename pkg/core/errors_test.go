package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoRetryError(t *testing.T) {
	originalErr := errors.New("permanent failure")
	wrapped := NoRetry(originalErr)

	var noRetryErr *NoRetryError
	assert.True(t, errors.As(wrapped, &noRetryErr))
	assert.Equal(t, originalErr, noRetryErr.Unwrap())
	assert.Contains(t, noRetryErr.Error(), "no retry")
	assert.Contains(t, noRetryErr.Error(), "permanent failure")
}

func TestRetryAfterError(t *testing.T) {
	originalErr := errors.New("temporary failure")
	wrapped := RetryAfter(5*time.Second, originalErr)

	var retryErr *RetryAfterError
	assert.True(t, errors.As(wrapped, &retryErr))
	assert.Equal(t, originalErr, retryErr.Unwrap())
	assert.Equal(t, 5*time.Second, retryErr.Delay)
	assert.Contains(t, retryErr.Error(), "retry after 5s")
}

func TestSchedulerErrors(t *testing.T) {
	assert.Contains(t, ErrInvalidStateTransition.Error(), "invalid_state_transition")
	assert.NotErrorIs(t, ErrLockContention, ErrInvalidStateTransition)
}
