package api

import (
	"errors"
	"fmt"
	"time"
)

// DelayMode selects how a RetriableError's delay is computed.
type DelayMode int

const (
	// DelayDefault uses the engine's exponential backoff.
	DelayDefault DelayMode = iota
	// DelayFixed retries this job after DelayHint.Duration.
	DelayFixed
	// DelayGroup pauses the job's whole group for DelayHint.Duration
	// (e.g. an upstream Retry-After) and retries this job after it.
	DelayGroup
)

// DelayHint tells the engine when a retriable failure should be retried.
type DelayHint struct {
	Mode     DelayMode
	Duration time.Duration
}

// ConfigurationError reports invalid step parameters. It is never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// RetriableError is a failure worth retrying, subject to the attempt ceiling.
type RetriableError struct {
	Err   error
	Delay DelayHint
}

func (e *RetriableError) Error() string {
	if e.Err == nil {
		return "retriable error"
	}
	return e.Err.Error()
}

func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable marks err as retriable with the default backoff.
func Retriable(err error) error {
	return &RetriableError{Err: err}
}

// RetriableAfter marks err as retriable after a fixed delay.
func RetriableAfter(err error, d time.Duration) error {
	return &RetriableError{Err: err, Delay: DelayHint{Mode: DelayFixed, Duration: d}}
}

// RetriableGroup marks err as retriable and asks the engine to delay every
// job in the same group for d.
func RetriableGroup(err error, d time.Duration) error {
	return &RetriableError{Err: err, Delay: DelayHint{Mode: DelayGroup, Duration: d}}
}

// UnrecoverableError is never retried, regardless of attempts remaining.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return "unrecoverable error"
	}
	return e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable marks err as unrecoverable. Nil stays nil.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	var ue *UnrecoverableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnrecoverableError{Err: err}
}

// Error kinds recorded in ErrorDetails.Kind.
const (
	KindConfiguration = "configuration"
	KindRetriable     = "retriable"
	KindUnrecoverable = "unrecoverable"
	KindUnclassified  = "unclassified"
)

// ErrorKind names the taxonomy bucket err falls into.
func ErrorKind(err error) string {
	var (
		ce *ConfigurationError
		ue *UnrecoverableError
		re *RetriableError
	)
	switch {
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.As(err, &ue):
		return KindUnrecoverable
	case errors.As(err, &re):
		return KindRetriable
	default:
		return KindUnclassified
	}
}
