package flowline

import (
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// RetryBuilder provides a fluent way to construct the engine-wide
// RetryPolicy passed to LocalRunner or App configuration.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{MaxAttempts: maxAttempts, Multiplier: 2},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier grows the delay each attempt (default 2.0 if < 1).
//   - max caps the delay; if <= 0 it defaults to initial.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	if multiplier < 1 {
		multiplier = 2.0
	}
	if max <= 0 {
		max = initial
	}
	p.InitialBackoff = initial
	p.Multiplier = multiplier
	p.MaxBackoff = max
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = delay
	p.Multiplier = 1
	return RetryBuilder{policy: p}
}

// WithJitter sets the randomization factor, clamped to [0, 1].
func (r RetryBuilder) WithJitter(factor float64) RetryBuilder {
	p := r.policy
	p.Jitter = min(max(factor, 0), 1)
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Error helpers for handlers.

var (
	Retriable          = api.Retriable
	RetriableAfter     = api.RetriableAfter
	RetriableGroup     = api.RetriableGroup
	Unrecoverable      = api.Unrecoverable
	ConfigurationError = api.NewConfigurationError
)
