package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

// abortTimeout bounds the direct failure transition of an execution whose
// start was abandoned.
const abortTimeout = 5 * time.Second

// StartExecution runs the trigger of an active flow: it creates a pending
// execution, records the trigger output and enqueues the step after the
// trigger. A flow with only a trigger succeeds immediately.
func (e *Engine) StartExecution(ctx context.Context, flowID string, triggerOutput any) (*api.Execution, error) {
	return e.StartExecutionWithMetadata(ctx, flowID, triggerOutput, nil)
}

// StartExecutionWithMetadata is StartExecution with job metadata that is
// carried by every job of the execution.
func (e *Engine) StartExecutionWithMetadata(ctx context.Context, flowID string, triggerOutput any, metadata map[string]string) (*api.Execution, error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !flow.Active {
		return nil, fmt.Errorf("%w: %s", ErrFlowInactive, flowID)
	}
	trigger, ok := flow.Trigger()
	if !ok {
		return nil, fmt.Errorf("%w: flow %s has no trigger", ErrInvalidFlow, flowID)
	}

	output, err := encodeOutput(triggerOutput)
	if err != nil {
		return nil, err
	}

	exec := &api.Execution{
		ID:     uuid.NewString(),
		FlowID: flow.ID,
		Status: api.ExecutionPending,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.observer.OnExecutionStart(ctx, exec)

	r := &jobRun{
		job:    api.Job{FlowID: flow.ID, ExecutionID: exec.ID, StepID: trigger.ID, Metadata: metadata, Attempt: 1},
		flow:   flow,
		step:   &trigger,
		exec:   exec,
		logger: e.logger.With().Str("flow_id", flow.ID).Str("execution_id", exec.ID).Logger(),
	}

	if err := e.store.UpsertExecutionStep(ctx, &api.ExecutionStep{
		ExecutionID: exec.ID,
		StepID:      trigger.ID,
		Status:      api.StepSuccess,
		Output:      output,
	}); err != nil {
		return r.exec, e.abortStart(ctx, r, fmt.Errorf("record trigger output: %w", err))
	}

	next, ok := flow.NextAfter(trigger.Position)
	if !ok {
		if err := e.complete(ctx, exec); err != nil {
			return exec, err
		}
		return exec, nil
	}

	if _, err := e.enqueueStep(ctx, next, EnqueueRequest{
		FlowID:      flow.ID,
		ExecutionID: exec.ID,
		Metadata:    metadata,
	}); err != nil {
		r.job.StepID, r.step = next.ID, &next
		return r.exec, e.abortStart(ctx, r, err)
	}

	r.logger.Info().Str("next_step_id", next.ID).Msg("execution started")
	return exec, nil
}

// abortStart fails an execution that could not be started. No job exists to
// retry the failure later, so if it cannot be recorded the execution is
// moved to failure directly. The returned error says when the execution was
// left pending.
func (e *Engine) abortStart(ctx context.Context, r *jobRun, cause error) error {
	out, _ := e.fail(ctx, r, api.Unrecoverable(cause))
	if out.Decision != DecisionRetry {
		return cause
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	err := e.store.TransitionExecution(tctx, r.exec.ID, api.ExecutionFailure)
	switch {
	case err == nil:
		r.exec.Status = api.ExecutionFailure
		r.logger.Error().Err(cause).Msg("execution failed while starting")
		e.observer.OnExecutionFailed(ctx, r.exec, cause)
		return cause
	case errors.Is(err, persistence.ErrStatusConflict):
		return cause
	}
	r.logger.Error().Err(err).AnErr("cause", cause).Msg("execution left pending")
	return fmt.Errorf("%w: execution %s left pending: %v", cause, r.exec.ID, err)
}

// IsNotFound reports whether err means a flow, step or execution does not
// exist.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrFlowNotFound) ||
		errors.Is(err, persistence.ErrStepNotFound) ||
		errors.Is(err, persistence.ErrExecutionNotFound)
}
