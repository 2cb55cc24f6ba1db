package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/flowline/pkg/api"
)

var (
	// ErrFlowNotFound is returned when a flow is not found.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrStepNotFound is returned when a step is not found.
	ErrStepNotFound = errors.New("step not found")

	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionStepNotFound is returned when no outcome is recorded for a
	// (execution, step) pair.
	ErrExecutionStepNotFound = errors.New("execution step not found")

	// ErrExecutionExists is returned when creating an execution whose id is taken.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrStatusConflict is returned when an execution is no longer pending.
	ErrStatusConflict = errors.New("execution status conflict")

	// ErrInvalidFlow is returned by SaveFlow for malformed step lists.
	ErrInvalidFlow = errors.New("invalid flow")
)

// ExecutionFilter is used to select executions from the store.
// Empty values mean "no filter" for that field.
type ExecutionFilter struct {
	FlowID  string
	Status  api.ExecutionStatus
	TestRun *bool
}

// Store persists flows, steps, executions and execution steps.
//
// Flows and steps are written by the editing surface (SaveFlow) and by
// publish; executions and execution steps are written only by the engine.
type Store interface {
	// SaveFlow creates or replaces a flow together with its steps. The
	// test execution binding is taken from flow on create and otherwise
	// left to SetTestExecution.
	SaveFlow(ctx context.Context, flow *api.Flow) error
	// GetFlow returns a flow with its steps sorted by position.
	GetFlow(ctx context.Context, id string) (*api.Flow, error)
	GetStep(ctx context.Context, id string) (*api.Step, error)
	// SetTestExecution binds the execution used by step tests to a flow.
	SetTestExecution(ctx context.Context, flowID, executionID string) error

	CreateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	// TransitionExecution moves a pending execution to a terminal status.
	// It returns ErrStatusConflict if the execution is not pending.
	TransitionExecution(ctx context.Context, id string, to api.ExecutionStatus) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error)

	// UpsertExecutionStep records the outcome of a step, replacing any earlier
	// outcome for the same (execution, step) pair. es.ID and es.CreatedAt are
	// set from the stored row.
	UpsertExecutionStep(ctx context.Context, es *api.ExecutionStep) error
	GetExecutionStep(ctx context.Context, executionID, stepID string) (*api.ExecutionStep, error)
	// ListExecutionSteps returns the outcomes recorded for an execution in
	// creation order.
	ListExecutionSteps(ctx context.Context, executionID string) ([]*api.ExecutionStep, error)
	// RebindExecutionSteps moves the outcomes recorded under one execution to
	// another, except for the given steps. It returns how many were moved.
	RebindExecutionSteps(ctx context.Context, fromExecutionID, toExecutionID string, exceptStepIDs ...string) (int, error)
}

// validateFlow checks the step list invariants shared by every backend.
func validateFlow(flow *api.Flow) error {
	if flow.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidFlow)
	}
	positions := make(map[int]string, len(flow.Steps))
	ids := make(map[string]struct{}, len(flow.Steps))
	for i := range flow.Steps {
		s := &flow.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step at position %d has no id", ErrInvalidFlow, s.Position)
		}
		if s.Position < 1 {
			return fmt.Errorf("%w: step %s has position %d", ErrInvalidFlow, s.ID, s.Position)
		}
		if other, dup := positions[s.Position]; dup {
			return fmt.Errorf("%w: steps %s and %s share position %d", ErrInvalidFlow, other, s.ID, s.Position)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", ErrInvalidFlow, s.ID)
		}
		positions[s.Position] = s.ID
		ids[s.ID] = struct{}{}
		s.FlowID = flow.ID
		if s.Kind == "" {
			if s.Position == 1 {
				s.Kind = api.StepTrigger
			} else {
				s.Kind = api.StepAction
			}
		}
	}
	if flow.NotificationPolicy == "" {
		flow.NotificationPolicy = api.NotifyDedupe
	}
	return nil
}
