package cascade

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an invocation-level failure. Codes are stable
// identifiers surfaced to callers; they never change meaning.
type ErrorCode string

const (
	// ErrCodeProgram covers errors raised by the executing program itself.
	ErrCodeProgram ErrorCode = "program_error"

	// ErrCodeResourceLimit covers wall-clock timeouts, operation budget
	// exhaustion, and similar platform guardrails. Always terminal for the
	// current attempt.
	ErrCodeResourceLimit ErrorCode = "resource_limit"

	// ErrCodeReplayDivergence indicates a corrupted snapshot or a program
	// that behaved non-deterministically on replay. Fatal and non-retryable.
	ErrCodeReplayDivergence ErrorCode = "replay_divergence"

	// ErrCodeInfrastructure covers store and broker failures. These are
	// retried by the controller's own backoff, not the invocation's policy.
	ErrCodeInfrastructure ErrorCode = "infrastructure"

	// ErrCodeCanceled marks cooperative cancellation.
	ErrCodeCanceled ErrorCode = "canceled"

	// ErrCodeEventTimeout marks an event wait that expired before a
	// matching event arrived.
	ErrCodeEventTimeout ErrorCode = "event_timeout"
)

// Error is the structured failure attached to a terminal invocation. Callers
// always see a stable code, a human message, and machine-readable details,
// never a raw internal error.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns e with an extra detail entry set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// NewProgramError creates a program-level error with the given retryability.
func NewProgramError(msg string, retryable bool) *Error {
	return &Error{Code: ErrCodeProgram, Message: msg, Retryable: retryable}
}

// NewResourceLimitError creates a resource-limit error. Resource limits feed
// into retry policy like any other failure, so they stay retryable.
func NewResourceLimitError(msg string) *Error {
	return &Error{Code: ErrCodeResourceLimit, Message: msg, Retryable: true}
}

// NewReplayDivergenceError creates a fatal replay divergence error.
func NewReplayDivergenceError(msg string) *Error {
	return &Error{Code: ErrCodeReplayDivergence, Message: msg, Retryable: false}
}

// NewInfrastructureError wraps a store or broker failure.
func NewInfrastructureError(err error) *Error {
	return &Error{Code: ErrCodeInfrastructure, Message: err.Error(), Retryable: true}
}

// NewCanceledError creates a cancellation error.
func NewCanceledError(reason string) *Error {
	if reason == "" {
		reason = "invocation canceled"
	}
	return &Error{Code: ErrCodeCanceled, Message: reason, Retryable: false}
}

// NewEventTimeoutError creates the error an event wait resolves to when its
// timeout elapses first.
func NewEventTimeoutError(eventType string) *Error {
	return &Error{
		Code:      ErrCodeEventTimeout,
		Message:   fmt.Sprintf("timed out waiting for event %q", eventType),
		Retryable: false,
		Details:   map[string]any{"event_type": eventType},
	}
}

// AsError converts err into a structured Error. Errors that are not already
// structured are classified as retryable program errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewProgramError(err.Error(), true)
}

// IsRetryable reports whether err may be retried under a retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// CodeOf returns the error code for err, or ErrCodeProgram for unclassified
// errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeProgram
}
