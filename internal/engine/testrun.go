package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/actions"
	"github.com/petrijr/flowline/pkg/api"
)

// TestInput is supplied by the editor when a step is tested.
type TestInput struct {
	// TriggerOutput is the sample output recorded when testing the trigger,
	// or when an action is tested before the trigger ever was.
	TriggerOutput any
}

// TestResult reports a single-step test.
type TestResult struct {
	Execution api.Execution
	Step      api.ExecutionStep
	// Next is the control command the step returned. It is never acted on.
	Next api.NextStep
	// Err is the handler error when the step failed.
	Err error
}

// Failed reports whether the tested step failed.
func (r *TestResult) Failed() bool {
	return r.Err != nil
}

// TestStep runs one step of a flow synchronously against the flow's bound
// test execution. Testing the trigger starts a new test execution and moves
// the earlier action results to it. Nothing is enqueued.
func (e *Engine) TestStep(ctx context.Context, flowID, stepID string, in TestInput) (*TestResult, error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	step, ok := flow.StepByID(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in flow %s", persistence.ErrStepNotFound, stepID, flowID)
	}

	logger := e.logger.With().Str("flow_id", flowID).Str("step_id", stepID).Bool("test_run", true).Logger()

	if step.Kind == api.StepTrigger || step.Position == 1 {
		return e.testTrigger(ctx, flow, step, in)
	}

	exec, err := e.boundTestExecution(ctx, flow, in)
	if err != nil {
		return nil, err
	}

	handler, ok := e.registry.Lookup(step.IntegrationKey, step.ActionKey)
	if !ok {
		cause := api.NewConfigurationError("no handler registered for %s/%s", step.IntegrationKey, step.ActionKey)
		return e.recordTestFailure(ctx, exec, step, cause)
	}

	prior, err := e.priorSteps(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("load prior test steps: %w", err)
	}

	rc := api.RunContext{
		Flow:       *flow,
		Step:       step,
		Execution:  *exec,
		PriorSteps: prior,
		Parameters: step.Parameters,
		Attempt:    1,
		TestRun:    true,
		Logger:     logger,
	}

	e.observer.OnStepStart(ctx, exec, step, 1)
	start := time.Now()
	res, err := e.runTestHandler(ctx, handler, rc)
	e.observer.OnStepCompleted(ctx, exec, step, 1, err, time.Since(start))
	if err != nil {
		logger.Info().Err(err).Msg("tested step failed")
		return e.recordTestFailure(ctx, exec, step, err)
	}

	output, err := encodeOutput(res.Output)
	if err != nil {
		return e.recordTestFailure(ctx, exec, step, api.Unrecoverable(err))
	}
	es := &api.ExecutionStep{
		ExecutionID:    exec.ID,
		StepID:         step.ID,
		Status:         api.StepSuccess,
		Output:         output,
		OutputMetadata: res.OutputMetadata,
	}
	if err := e.store.UpsertExecutionStep(ctx, es); err != nil {
		return nil, fmt.Errorf("record test step: %w", err)
	}

	logger.Info().Str("next", res.Next.Kind.String()).Msg("tested step succeeded")
	return &TestResult{Execution: *exec, Step: *es, Next: res.Next}, nil
}

// runTestHandler runs the handler with the bounded branch scan configured on
// the engine.
func (e *Engine) runTestHandler(ctx context.Context, h api.Handler, rc api.RunContext) (api.Result, error) {
	if _, builtin := h.(actions.IfThen); builtin && e.maxBranch > 0 {
		h = actions.IfThen{MaxBranches: e.maxBranch}
	}
	return runHandler(ctx, h, rc)
}

// testTrigger starts a new test execution from the sample trigger output.
func (e *Engine) testTrigger(ctx context.Context, flow *api.Flow, trigger api.Step, in TestInput) (*TestResult, error) {
	previous := flow.TestExecutionID

	exec, es, err := e.newTestExecution(ctx, flow, trigger, in.TriggerOutput)
	if err != nil {
		return nil, err
	}

	if previous != "" {
		moved, err := e.store.RebindExecutionSteps(ctx, previous, exec.ID, trigger.ID)
		if err != nil {
			return nil, fmt.Errorf("rebind tested steps: %w", err)
		}
		e.logger.Debug().
			Str("flow_id", flow.ID).
			Str("from_execution_id", previous).
			Str("to_execution_id", exec.ID).
			Int("moved", moved).
			Msg("test steps rebound")
	}

	if err := e.store.SetTestExecution(ctx, flow.ID, exec.ID); err != nil {
		return nil, fmt.Errorf("bind test execution: %w", err)
	}
	return &TestResult{Execution: *exec, Step: *es, Next: api.Continue()}, nil
}

// boundTestExecution returns the flow's test execution, creating and
// binding one when the flow has none.
func (e *Engine) boundTestExecution(ctx context.Context, flow *api.Flow, in TestInput) (*api.Execution, error) {
	if flow.TestExecutionID != "" {
		exec, err := e.store.GetExecution(ctx, flow.TestExecutionID)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, persistence.ErrExecutionNotFound) {
			return nil, err
		}
	}

	trigger, ok := flow.Trigger()
	if !ok {
		return nil, fmt.Errorf("%w: flow %s has no trigger", ErrInvalidFlow, flow.ID)
	}
	exec, _, err := e.newTestExecution(ctx, flow, trigger, in.TriggerOutput)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetTestExecution(ctx, flow.ID, exec.ID); err != nil {
		return nil, fmt.Errorf("bind test execution: %w", err)
	}
	return exec, nil
}

func (e *Engine) newTestExecution(ctx context.Context, flow *api.Flow, trigger api.Step, triggerOutput any) (*api.Execution, *api.ExecutionStep, error) {
	output, err := encodeOutput(triggerOutput)
	if err != nil {
		return nil, nil, err
	}

	exec := &api.Execution{
		ID:      uuid.NewString(),
		FlowID:  flow.ID,
		TestRun: true,
		Status:  api.ExecutionPending,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("create test execution: %w", err)
	}
	e.observer.OnExecutionStart(ctx, exec)

	es := &api.ExecutionStep{
		ExecutionID: exec.ID,
		StepID:      trigger.ID,
		Status:      api.StepSuccess,
		Output:      output,
	}
	if err := e.store.UpsertExecutionStep(ctx, es); err != nil {
		return nil, nil, fmt.Errorf("record test trigger output: %w", err)
	}
	return exec, es, nil
}

func (e *Engine) recordTestFailure(ctx context.Context, exec *api.Execution, step api.Step, cause error) (*TestResult, error) {
	es := &api.ExecutionStep{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Status:      api.StepFailure,
		ErrorDetails: &api.ErrorDetails{
			Kind:    api.ErrorKind(cause),
			Message: cause.Error(),
			Attempt: 1,
		},
	}
	if err := e.store.UpsertExecutionStep(ctx, es); err != nil {
		return nil, fmt.Errorf("record test step: %w", err)
	}
	return &TestResult{Execution: *exec, Step: *es, Err: cause}, nil
}
