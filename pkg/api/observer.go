package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay step execution.
type Observer interface {
	// OnExecutionStart is called once when an execution is created by a trigger.
	OnExecutionStart(ctx context.Context, exec *Execution)

	// OnExecutionSucceeded is called when an execution transitions to success.
	OnExecutionSucceeded(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution transitions to failure.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)

	// OnStepStart is called before invoking a step handler.
	OnStepStart(ctx context.Context, exec *Execution, step Step, attempt int)

	// OnStepCompleted is called after a handler returns, for both successes
	// and failures (err != nil).
	OnStepCompleted(ctx context.Context, exec *Execution, step Step, attempt int, err error, duration time.Duration)

	// OnJobRetry is called when a job is scheduled for another attempt.
	OnJobRetry(ctx context.Context, job Job, delay time.Duration, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, exec *Execution)                 {}
func (NoopObserver) OnExecutionSucceeded(ctx context.Context, exec *Execution)             {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error)     {}
func (NoopObserver) OnStepStart(ctx context.Context, exec *Execution, step Step, attempt int) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, exec *Execution, step Step, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnJobRetry(ctx context.Context, job Job, delay time.Duration, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionSucceeded(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionSucceeded(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, exec *Execution, step Step, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, exec, step, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, exec *Execution, step Step, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, exec, step, attempt, err, d)
	}
}

func (c *CompositeObserver) OnJobRetry(ctx context.Context, job Job, delay time.Duration, err error) {
	for _, o := range c.observers {
		o.OnJobRetry(ctx, job, delay, err)
	}
}

// LoggingObserver writes structured logs using zerolog.
type LoggingObserver struct {
	Logger zerolog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and step
// lifecycle events to logger.
func NewLoggingObserver(logger zerolog.Logger) Observer {
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, exec *Execution) {
	o.Logger.Info().
		Str("flow_id", exec.FlowID).
		Str("execution_id", exec.ID).
		Bool("test_run", exec.TestRun).
		Msg("execution_start")
}

func (o *LoggingObserver) OnExecutionSucceeded(ctx context.Context, exec *Execution) {
	o.Logger.Info().
		Str("flow_id", exec.FlowID).
		Str("execution_id", exec.ID).
		Msg("execution_succeeded")
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.Error().
		Err(err).
		Str("flow_id", exec.FlowID).
		Str("execution_id", exec.ID).
		Msg("execution_failed")
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, exec *Execution, step Step, attempt int) {
	o.Logger.Debug().
		Str("execution_id", exec.ID).
		Str("step_id", step.ID).
		Int("position", step.Position).
		Str("action", step.IntegrationKey+"/"+step.ActionKey).
		Int("attempt", attempt).
		Msg("step_start")
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, exec *Execution, step Step, attempt int, err error, d time.Duration) {
	ev := o.Logger.Debug()
	if err != nil {
		ev = o.Logger.Warn().Err(err)
	}
	ev.Str("execution_id", exec.ID).
		Str("step_id", step.ID).
		Int("position", step.Position).
		Int("attempt", attempt).
		Dur("duration", d).
		Msg("step_completed")
}

func (o *LoggingObserver) OnJobRetry(ctx context.Context, job Job, delay time.Duration, err error) {
	o.Logger.Info().
		Err(err).
		Str("execution_id", job.ExecutionID).
		Str("step_id", job.StepID).
		Int("attempt", job.Attempt).
		Dur("delay", delay).
		Msg("job_retry")
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsSucceeded atomic.Int64
	executionsFailed    atomic.Int64
	stepsCompleted      atomic.Int64
	stepsFailed         atomic.Int64
	retries             atomic.Int64
	totalStepDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsSucceeded int64
	ExecutionsFailed    int64
	PendingExecutions   int64

	StepsCompleted  int64
	StepsFailed     int64
	Retries         int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, exec *Execution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionSucceeded(ctx context.Context, exec *Execution) {
	m.executionsSucceeded.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, exec *Execution, step Step, attempt int, err error, d time.Duration) {
	// Only successful steps count toward the average duration.
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnJobRetry(ctx context.Context, job Job, delay time.Duration, err error) {
	m.retries.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	succeeded := m.executionsSucceeded.Load()
	failed := m.executionsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsSucceeded: succeeded,
		ExecutionsFailed:    failed,
		PendingExecutions:   started - succeeded - failed,
		StepsCompleted:      steps,
		StepsFailed:         m.stepsFailed.Load(),
		Retries:             m.retries.Load(),
		AvgStepDuration:     avg,
	}
}
