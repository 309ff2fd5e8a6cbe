// Package retry implements the backoff used for infrastructure operations
// (store and broker calls). It is separate from the business retry policies
// attached to invocations and steps.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 250 * time.Millisecond
)

// Policy configures retry behavior.
type Policy struct {
	MaxRetries int
	BaseWait   time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseWait: DefaultBaseWait}
}

// RetryableFunc represents a function that can be retried.
type RetryableFunc func() error

// Permanent marks an error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so WithRetry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithRetry executes f with exponential backoff and jitter until it
// succeeds, the policy is exhausted, or the context is done.
func WithRetry(ctx context.Context, policy Policy, f RetryableFunc) error {
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseWait := policy.BaseWait
	if baseWait <= 0 {
		baseWait = DefaultBaseWait
	}

	var lastError error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := f()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastError = err
	}
	return lastError
}
