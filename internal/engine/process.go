package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/internal/ratelimit"
	"github.com/petrijr/flowline/pkg/actions"
	"github.com/petrijr/flowline/pkg/api"
)

// Decision tells a worker what to do with the task it leased.
type Decision int

const (
	// DecisionAck removes the task from its queue.
	DecisionAck Decision = iota
	// DecisionRetry releases the task for redelivery after Outcome.Delay.
	DecisionRetry
)

func (d Decision) String() string {
	if d == DecisionRetry {
		return "retry"
	}
	return "ack"
}

// Outcome is the result of processing one job.
type Outcome struct {
	Decision Decision
	Delay    time.Duration
	// ConsumeAttempt is false for redeliveries that do not count towards
	// the retry ceiling, such as rate limit denials.
	ConsumeAttempt bool
}

var acked = Outcome{Decision: DecisionAck}

// jobRun is the state gathered while processing one job.
type jobRun struct {
	job    api.Job
	flow   *api.Flow
	step   *api.Step
	exec   *api.Execution
	logger zerolog.Logger
}

// ProcessJob runs the step named by job and decides what happens next: the
// next step is enqueued, the execution finishes, or the job is retried.
//
// The returned error describes why the job did not complete. It is
// informational; the Outcome already accounts for it.
func (e *Engine) ProcessJob(ctx context.Context, job api.Job) (Outcome, error) {
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	r := &jobRun{
		job: job,
		logger: e.logger.With().
			Str("flow_id", job.FlowID).
			Str("execution_id", job.ExecutionID).
			Str("step_id", job.StepID).
			Int("attempt", job.Attempt).
			Logger(),
	}

	step, err := e.store.GetStep(ctx, job.StepID)
	if err != nil {
		if errors.Is(err, persistence.ErrStepNotFound) {
			return e.fail(ctx, r, api.Unrecoverable(fmt.Errorf("step %s: %w", job.StepID, err)))
		}
		return e.retryOrFail(ctx, r, err)
	}
	r.step = step

	exec, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			r.logger.Warn().Msg("job references a missing execution, dropping it")
			return acked, err
		}
		return e.retryOrFail(ctx, r, err)
	}
	r.exec = exec
	if exec.Status != api.ExecutionPending {
		r.logger.Debug().Str("status", string(exec.Status)).Msg("execution already finished, skipping job")
		return acked, nil
	}
	if job.Attempt > e.retry.MaxAttempts {
		// Earlier deliveries lost their leases without settling.
		return e.fail(ctx, r, api.Unrecoverable(
			fmt.Errorf("%w: attempt %d of %d", ErrAttemptsExhausted, job.Attempt, e.retry.MaxAttempts)))
	}

	flowID := step.FlowID
	if flowID == "" {
		flowID = job.FlowID
	}
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, persistence.ErrFlowNotFound) {
			return e.fail(ctx, r, api.Unrecoverable(fmt.Errorf("flow %s: %w", flowID, err)))
		}
		return e.retryOrFail(ctx, r, err)
	}
	r.flow = flow

	key := ratelimit.GroupKey{Integration: step.IntegrationKey, Group: job.GroupKey}
	permit, err := e.limiter.Acquire(ctx, key, e.groups[step.IntegrationKey])
	if err != nil {
		r.logger.Warn().Err(err).Str("group", key.String()).Msg("group permit unavailable")
		return Outcome{Decision: DecisionRetry, Delay: ratelimit.ConcurrencyRetryAfter}, err
	}
	if !permit.Granted {
		r.logger.Debug().Str("group", key.String()).Dur("retry_after", permit.RetryAfter).Msg("group limit reached")
		return Outcome{Decision: DecisionRetry, Delay: permit.RetryAfter}, nil
	}
	defer permit.Release()

	handler, ok := e.registry.Lookup(step.IntegrationKey, step.ActionKey)
	if !ok {
		return e.fail(ctx, r, api.NewConfigurationError("no handler registered for %s/%s", step.IntegrationKey, step.ActionKey))
	}

	prior, err := e.priorSteps(ctx, exec.ID)
	if err != nil {
		return e.retryOrFail(ctx, r, fmt.Errorf("load prior steps: %w", err))
	}

	rc := api.RunContext{
		Flow:       *flow,
		Step:       *step,
		Execution:  *exec,
		PriorSteps: prior,
		Parameters: step.Parameters,
		Attempt:    job.Attempt,
		TestRun:    exec.TestRun,
		Logger:     r.logger,
	}

	e.observer.OnStepStart(ctx, exec, *step, job.Attempt)
	start := time.Now()
	res, err := runHandler(ctx, handler, rc)
	e.observer.OnStepCompleted(ctx, exec, *step, job.Attempt, err, time.Since(start))
	if err != nil {
		return e.retryOrFail(ctx, r, err)
	}

	return e.advance(ctx, r, res)
}

// runHandler calls h, turning a panic into an unclassified error so the job
// is retried like any other failure.
func runHandler(ctx context.Context, h api.Handler, rc api.RunContext) (res api.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			rc.Logger.Error().
				Str("integration", rc.Step.IntegrationKey).
				Str("action", rc.Step.ActionKey).
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
			res = api.Result{}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return h.Run(ctx, rc)
}

// advance records a successful step and moves the execution along.
func (e *Engine) advance(ctx context.Context, r *jobRun, res api.Result) (Outcome, error) {
	output, err := encodeOutput(res.Output)
	if err != nil {
		return e.fail(ctx, r, api.Unrecoverable(err))
	}

	es := &api.ExecutionStep{
		ExecutionID:    r.exec.ID,
		StepID:         r.step.ID,
		Status:         api.StepSuccess,
		Output:         output,
		OutputMetadata: res.OutputMetadata,
	}
	if err := e.store.UpsertExecutionStep(ctx, es); err != nil {
		return e.retryOrFail(ctx, r, fmt.Errorf("record step outcome: %w", err))
	}

	var next api.Step
	switch res.Next.Kind {
	case api.NextStop:
		return e.succeed(ctx, r)
	case api.NextJump:
		target, ok := r.flow.StepByID(res.Next.StepID)
		if !ok || target.Position <= r.step.Position {
			return e.fail(ctx, r, api.Unrecoverable(
				fmt.Errorf("%w: %q from step %s", ErrInvalidJump, res.Next.StepID, r.step.ID)))
		}
		next = target
	default:
		n, ok := r.flow.NextAfter(r.step.Position)
		if !ok {
			return e.succeed(ctx, r)
		}
		next = n
	}

	var delay time.Duration
	if r.step.IsDelay() {
		delay, err = actions.DelayFromOutput(output, e.now())
		if err != nil {
			return e.fail(ctx, r, api.Unrecoverable(err))
		}
	}

	_, err = e.enqueueStep(ctx, next, EnqueueRequest{
		FlowID:      r.flow.ID,
		ExecutionID: r.exec.ID,
		Metadata:    r.job.Metadata,
		Delay:       delay,
	})
	if err != nil {
		return e.fail(ctx, r, api.Unrecoverable(err))
	}
	return acked, nil
}

// retryOrFail classifies err and either schedules another attempt or fails
// the execution.
func (e *Engine) retryOrFail(ctx context.Context, r *jobRun, err error) (Outcome, error) {
	d := e.retry.Decide(err, r.job.Attempt)
	if !d.Retry {
		return e.fail(ctx, r, err)
	}

	if d.PauseGroup > 0 && r.step != nil {
		key := ratelimit.GroupKey{Integration: r.step.IntegrationKey, Group: r.job.GroupKey}
		if perr := e.limiter.Pause(ctx, key, d.PauseGroup); perr != nil {
			r.logger.Warn().Err(perr).Str("group", key.String()).Msg("group pause failed")
		}
	}

	r.logger.Info().Err(err).Dur("delay", d.Delay).Msg("step job will be retried")
	e.observer.OnJobRetry(ctx, r.job, d.Delay, err)
	return Outcome{Decision: DecisionRetry, Delay: d.Delay, ConsumeAttempt: true}, err
}

// fail records the failed step, moves the execution to failure and sends a
// notification. Only the caller that performs the transition notifies.
func (e *Engine) fail(ctx context.Context, r *jobRun, cause error) (Outcome, error) {
	if r.exec == nil {
		exec, err := e.store.GetExecution(ctx, r.job.ExecutionID)
		if errors.Is(err, persistence.ErrExecutionNotFound) {
			r.logger.Error().Err(cause).Msg("step job failed without an execution")
			return acked, cause
		}
		if err != nil {
			return e.storeUnavailable(r, err)
		}
		r.exec = exec
	}

	es := &api.ExecutionStep{
		ExecutionID: r.exec.ID,
		StepID:      r.job.StepID,
		Status:      api.StepFailure,
		ErrorDetails: &api.ErrorDetails{
			Kind:    api.ErrorKind(cause),
			Message: cause.Error(),
			Attempt: r.job.Attempt,
		},
	}
	if err := e.store.UpsertExecutionStep(ctx, es); err != nil {
		return e.storeUnavailable(r, err)
	}

	err := e.store.TransitionExecution(ctx, r.exec.ID, api.ExecutionFailure)
	switch {
	case errors.Is(err, persistence.ErrStatusConflict), errors.Is(err, persistence.ErrExecutionNotFound):
		r.logger.Info().Err(err).Msg("execution already finished, failure not applied")
		return acked, cause
	case err != nil:
		return e.storeUnavailable(r, err)
	}

	r.exec.Status = api.ExecutionFailure
	r.logger.Error().Err(cause).Str("kind", api.ErrorKind(cause)).Msg("execution failed")
	e.observer.OnExecutionFailed(ctx, r.exec, cause)

	if e.notifier != nil && !r.exec.TestRun {
		flow := r.flow
		if flow == nil {
			f, err := e.store.GetFlow(ctx, r.exec.FlowID)
			if err != nil {
				f = &api.Flow{ID: r.exec.FlowID}
			}
			flow = f
		}
		step := api.Step{ID: r.job.StepID}
		if r.step != nil {
			step = *r.step
		}
		e.notifier.NotifyFailure(ctx, *flow, *r.exec, step, cause)
	}
	return acked, cause
}

// succeed moves the execution to success and ends the flow's failure
// episode.
func (e *Engine) succeed(ctx context.Context, r *jobRun) (Outcome, error) {
	err := e.complete(ctx, r.exec)
	switch {
	case errors.Is(err, persistence.ErrStatusConflict):
		r.logger.Info().Msg("execution already finished, success not applied")
		return acked, nil
	case err != nil:
		return e.retryOrFail(ctx, r, err)
	}
	return acked, nil
}

func (e *Engine) complete(ctx context.Context, exec *api.Execution) error {
	if err := e.store.TransitionExecution(ctx, exec.ID, api.ExecutionSuccess); err != nil {
		return fmt.Errorf("complete execution %s: %w", exec.ID, err)
	}
	exec.Status = api.ExecutionSuccess
	e.observer.OnExecutionSucceeded(ctx, exec)
	if e.notifier != nil && !exec.TestRun {
		e.notifier.Reset(ctx, exec.FlowID)
	}
	return nil
}

// storeUnavailable retries a job whose failure could not be recorded. The
// attempt is not consumed so the failure is applied once the store is back.
func (e *Engine) storeUnavailable(r *jobRun, err error) (Outcome, error) {
	delay := e.retry.Backoff(r.job.Attempt)
	r.logger.Error().Err(err).Dur("delay", delay).Msg("recording step failure failed")
	return Outcome{Decision: DecisionRetry, Delay: delay}, err
}

func encodeOutput(v any) (json.RawMessage, error) {
	switch out := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return out, nil
	case []byte:
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode step output: %w", err)
	}
	return b, nil
}
