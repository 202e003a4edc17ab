package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates_SeeThroughWrapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"not found", ErrNotFound("session %s", "s1"), IsNotFound},
		{"already exists", ErrAlreadyExists("doc %s", "d1"), IsAlreadyExists},
		{"version conflict", ErrVersionConflict("stale"), IsVersionConflict},
		{"illegal transition", ErrIllegalStateTransition("a -> b"), IsIllegalStateTransition},
		{"operation conflict", ErrOperationConflict("busy"), IsOperationConflict},
		{"session not ready", ErrSessionNotReady("dead"), IsSessionNotReady},
		{"limit", ErrConcurrencyLimitExceeded(time.Second, "full"), IsConcurrencyLimitExceeded},
		{"communication", ErrExternalCommunication("submit", errors.New("refused")), IsExternalCommunication},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tc.is(tc.err))
			assert.True(t, tc.is(fmt.Errorf("outer: %w", tc.err)))
			assert.False(t, tc.is(errors.New(tc.err.Error())))
		})
	}
}

func TestErrConcurrencyLimitExceeded_ClampsRetryAfter(t *testing.T) {
	t.Parallel()
	err := ErrConcurrencyLimitExceeded(-time.Second, "limit %d", 3)
	assert.Equal(t, time.Duration(0), err.RetryAfter)
	assert.Equal(t, "limit 3", err.Error())
}

func TestExternalCommunicationError_Unwraps(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := ErrExternalCommunication("get job status", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "get job status: connection refused", err.Error())

	jf := &ExternalJobFailureError{JobID: "j1", Message: "OOM"}
	assert.Equal(t, "job j1 failed: OOM", jf.Error())
}
