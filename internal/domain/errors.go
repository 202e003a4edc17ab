// Package domain defines core types, interfaces, and errors for the async query coordinator.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError indicates a document or resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AlreadyExistsError indicates a create collided with an existing document id.
type AlreadyExistsError struct {
	Message string
}

func (e *AlreadyExistsError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// VersionConflictError indicates a compare-and-swap lost against a newer write.
// Recoverable: the caller re-reads and retries or aborts.
type VersionConflictError struct {
	Message string
}

func (e *VersionConflictError) Error() string { return e.Message }

// IllegalStateTransitionError indicates the requested operation does not
// apply to the entity's current state.
type IllegalStateTransitionError struct {
	Message string
}

func (e *IllegalStateTransitionError) Error() string { return e.Message }

// OperationConflictError indicates another operation is mid-transition on the
// same entity. Callers should retry later.
type OperationConflictError struct {
	Message string
}

func (e *OperationConflictError) Error() string { return e.Message }

// SessionNotReadyError indicates a statement was submitted to a session that
// no longer accepts work.
type SessionNotReadyError struct {
	Message string
}

func (e *SessionNotReadyError) Error() string { return e.Message }

// ConcurrencyLimitExceededError indicates admission control rejected the
// request. It is backpressure, not an internal failure.
type ConcurrencyLimitExceededError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *ConcurrencyLimitExceededError) Error() string { return e.Message }

// ExternalJobFailureError carries the failure text reported by the compute cluster.
type ExternalJobFailureError struct {
	JobID   string
	Message string
}

func (e *ExternalJobFailureError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// ExternalCommunicationError wraps a transport failure talking to the compute
// cluster or result sink. The core never retries these itself.
type ExternalCommunicationError struct {
	Op  string
	Err error
}

func (e *ExternalCommunicationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalCommunicationError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAlreadyExists creates an AlreadyExistsError with a formatted message.
func ErrAlreadyExists(format string, args ...interface{}) *AlreadyExistsError {
	return &AlreadyExistsError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrVersionConflict creates a VersionConflictError with a formatted message.
func ErrVersionConflict(format string, args ...interface{}) *VersionConflictError {
	return &VersionConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrIllegalStateTransition creates an IllegalStateTransitionError with a formatted message.
func ErrIllegalStateTransition(format string, args ...interface{}) *IllegalStateTransitionError {
	return &IllegalStateTransitionError{Message: fmt.Sprintf(format, args...)}
}

// ErrOperationConflict creates an OperationConflictError with a formatted message.
func ErrOperationConflict(format string, args ...interface{}) *OperationConflictError {
	return &OperationConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrSessionNotReady creates a SessionNotReadyError with a formatted message.
func ErrSessionNotReady(format string, args ...interface{}) *SessionNotReadyError {
	return &SessionNotReadyError{Message: fmt.Sprintf(format, args...)}
}

// ErrConcurrencyLimitExceeded creates a ConcurrencyLimitExceededError.
func ErrConcurrencyLimitExceeded(retryAfter time.Duration, format string, args ...interface{}) *ConcurrencyLimitExceededError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &ConcurrencyLimitExceededError{Message: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// ErrExternalCommunication wraps err as an ExternalCommunicationError for op.
func ErrExternalCommunication(op string, err error) *ExternalCommunicationError {
	return &ExternalCommunicationError{Op: op, Err: err}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAlreadyExists reports whether err is (or wraps) an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var target *AlreadyExistsError
	return errors.As(err, &target)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var target *VersionConflictError
	return errors.As(err, &target)
}

// IsIllegalStateTransition reports whether err is (or wraps) an IllegalStateTransitionError.
func IsIllegalStateTransition(err error) bool {
	var target *IllegalStateTransitionError
	return errors.As(err, &target)
}

// IsOperationConflict reports whether err is (or wraps) an OperationConflictError.
func IsOperationConflict(err error) bool {
	var target *OperationConflictError
	return errors.As(err, &target)
}

// IsSessionNotReady reports whether err is (or wraps) a SessionNotReadyError.
func IsSessionNotReady(err error) bool {
	var target *SessionNotReadyError
	return errors.As(err, &target)
}

// IsConcurrencyLimitExceeded reports whether err is (or wraps) a ConcurrencyLimitExceededError.
func IsConcurrencyLimitExceeded(err error) bool {
	var target *ConcurrencyLimitExceededError
	return errors.As(err, &target)
}

// IsExternalCommunication reports whether err is (or wraps) an ExternalCommunicationError.
func IsExternalCommunication(err error) bool {
	var target *ExternalCommunicationError
	return errors.As(err, &target)
}
