package httpapi

import (
	"encoding/json"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

type executionResponse struct {
	ID        string    `json:"id"`
	FlowID    string    `json:"flow_id"`
	TestRun   bool      `json:"test_run"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type executionStepResponse struct {
	ID           string            `json:"id"`
	StepID       string            `json:"step_id"`
	Status       string            `json:"status"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Metadata     map[string]any    `json:"output_metadata,omitempty"`
	ErrorDetails *api.ErrorDetails `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type stepResponse struct {
	ID               string  `json:"id"`
	Position         int     `json:"position"`
	IntegrationKey   string  `json:"integration_key"`
	ActionKey        string  `json:"action_key"`
	BranchDepth      *int    `json:"branch_depth,omitempty"`
	SkipTargetStepID *string `json:"skip_target_step_id,omitempty"`
}

type flowResponse struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Active bool           `json:"active"`
	Steps  []stepResponse `json:"steps"`
}

type nextResponse struct {
	Kind   string `json:"kind"`
	StepID string `json:"step_id,omitempty"`
}

type testStepResponse struct {
	Execution executionResponse     `json:"execution"`
	Step      executionStepResponse `json:"step"`
	Next      nextResponse          `json:"next"`
	Error     string                `json:"error,omitempty"`
}

func toExecution(e api.Execution) executionResponse {
	return executionResponse{
		ID:        e.ID,
		FlowID:    e.FlowID,
		TestRun:   e.TestRun,
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func toExecutionStep(es api.ExecutionStep) executionStepResponse {
	return executionStepResponse{
		ID:           es.ID,
		StepID:       es.StepID,
		Status:       string(es.Status),
		Output:       es.Output,
		Metadata:     es.OutputMetadata,
		ErrorDetails: es.ErrorDetails,
		CreatedAt:    es.CreatedAt,
		UpdatedAt:    es.UpdatedAt,
	}
}

func toStep(s api.Step) stepResponse {
	return stepResponse{
		ID:               s.ID,
		Position:         s.Position,
		IntegrationKey:   s.IntegrationKey,
		ActionKey:        s.ActionKey,
		BranchDepth:      s.BranchDepth,
		SkipTargetStepID: s.SkipTargetStepID,
	}
}
