// Package memerrors provides the standardized error kinds of the memory
// engine and helpers to classify arbitrary errors into them.
package memerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the semantic error category of a failure.
type Kind string

const (
	// KindValidation marks malformed input; never retried.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindExternalTransient marks timeouts and overload responses from
	// providers or the graph store; retried with capped backoff.
	KindExternalTransient Kind = "EXTERNAL_TRANSIENT"
	// KindExternalPermanent marks auth failures, invalid models, and
	// schema-violating provider responses after retries are exhausted.
	KindExternalPermanent Kind = "EXTERNAL_PERMANENT"
	// KindConcurrencyConflict marks nodes that disappeared under a
	// concurrent merge; treated as skip by the forgetting cycle.
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
	// KindInvariantViolated marks internal consistency failures; the
	// enclosing write aborts with no partial persistence.
	KindInvariantViolated Kind = "INVARIANT_VIOLATED"
	// KindCancelled marks deadline expiry or caller cancellation.
	KindCancelled Kind = "CANCELLED"
)

// MemoryError is an error with a semantic kind attached.
type MemoryError struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *MemoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause.
func (e *MemoryError) Unwrap() error { return e.Err }

// Temporary reports whether the error should be retried.
func (e *MemoryError) Temporary() bool { return e.Kind == KindExternalTransient }

// New creates a MemoryError without a cause.
func New(kind Kind, msg string) *MemoryError {
	return &MemoryError{Kind: kind, Msg: msg}
}

// Wrap creates a MemoryError wrapping a cause.
func Wrap(kind Kind, msg string, err error) *MemoryError {
	return &MemoryError{Kind: kind, Msg: msg, Err: err}
}

// Validationf creates a validation error.
func Validationf(format string, args ...interface{}) *MemoryError {
	return &MemoryError{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Invariantf creates an invariant-violation error.
func Invariantf(format string, args ...interface{}) *MemoryError {
	return &MemoryError{Kind: KindInvariantViolated, Msg: fmt.Sprintf(format, args...)}
}

// Conflict creates a concurrency-conflict error.
func Conflict(msg string) *MemoryError {
	return &MemoryError{Kind: KindConcurrencyConflict, Msg: msg}
}

// KindOf classifies an arbitrary error into a Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *MemoryError
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindExternalTransient
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindExternalTransient:
		return true
	default:
		return false
	}
}

// IsConflict reports whether the error is a concurrency conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConcurrencyConflict }

// IsCancelled reports whether the error is a cancellation.
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }
