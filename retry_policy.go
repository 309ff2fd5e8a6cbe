package cascade

import (
	"math"
	"time"
)

// RetryPolicy controls how failed attempts are re-scheduled. A policy is
// attached to an invocation as a whole and, separately, to individual steps.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier"`

	// NonRetryable lists error codes that are never retried regardless of
	// remaining attempts.
	NonRetryable []ErrorCode `json:"non_retryable,omitempty" yaml:"non_retryable,omitempty"`
}

// DefaultRetryPolicy returns the policy applied when an entrypoint or step
// declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before re-attempting after the given zero-based
// attempt number: min(max, initial * multiplier^attempt).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt)))
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after err, given the
// number of attempts already made.
func (p RetryPolicy) ShouldRetry(attempts int, err error) bool {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if attempts >= maxAttempts {
		return false
	}
	if !IsRetryable(err) {
		return false
	}
	code := CodeOf(err)
	for _, excluded := range p.NonRetryable {
		if code == excluded {
			return false
		}
	}
	return true
}
