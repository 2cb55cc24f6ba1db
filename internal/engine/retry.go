package engine

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/petrijr/flowline/pkg/api"
)

// RetryPolicy bounds how often a failing step job is retried and how long
// the engine waits between attempts.
type RetryPolicy struct {
	// MaxAttempts is the global ceiling. A job that fails on this attempt
	// fails its execution.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the randomization factor in [0, 1].
	Jitter float64
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s, ... backoff capped at a
// minute and 50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
		Jitter:         0.5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the delay before the attempt that follows a failed
// attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()

	var d time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		d = b.NextBackOff()
	}
	return d
}

// retryDecision is what the engine does with a failed job.
type retryDecision struct {
	Retry bool
	Delay time.Duration
	// PauseGroup, when positive, delays every job of the failing job's
	// group.
	PauseGroup time.Duration
}

// Decide classifies err for a job that failed on attempt.
//
// Configuration and unrecoverable errors are terminal. Everything else is
// retried until the ceiling, honoring a RetriableError's delay hint.
func (p RetryPolicy) Decide(err error, attempt int) retryDecision {
	var (
		ce *api.ConfigurationError
		ue *api.UnrecoverableError
		re *api.RetriableError
	)
	switch {
	case errors.As(err, &ce), errors.As(err, &ue):
		return retryDecision{}
	case attempt >= p.MaxAttempts:
		return retryDecision{}
	case errors.As(err, &re):
		switch re.Delay.Mode {
		case api.DelayFixed:
			return retryDecision{Retry: true, Delay: re.Delay.Duration}
		case api.DelayGroup:
			return retryDecision{Retry: true, Delay: re.Delay.Duration, PauseGroup: re.Delay.Duration}
		}
	}
	return retryDecision{Retry: true, Delay: p.Backoff(attempt)}
}
