package api

import (
	"encoding/json"
	"sort"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
//
// Transitions are monotonic: pending -> success or pending -> failure.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSuccess || s == ExecutionFailure
}

// StepStatus is the recorded outcome of one step within one execution.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
)

// StepKind distinguishes the trigger (position 1) from actions.
type StepKind string

const (
	StepTrigger StepKind = "trigger"
	StepAction  StepKind = "action"
)

// NotificationPolicy controls failure email deduplication for a flow.
type NotificationPolicy string

const (
	// NotifyDedupe sends at most one failure email per failure episode.
	NotifyDedupe NotificationPolicy = "dedupe"
	// NotifyAlways sends a failure email for every failed execution.
	NotifyAlways NotificationPolicy = "always"
)

// Built-in integration and action keys understood by the engine itself.
const (
	CoreIntegration  = "core"
	ActionIfThen     = "if-then"
	ActionDelayFor   = "delay-for"
	ActionDelayUntil = "delay-until"
)

// Flow is a user-authored pipeline: one trigger followed by ordered actions.
//
// A Flow owns its Steps; a Step refers back to its Flow only by ID.
type Flow struct {
	ID                 string
	Name               string
	Active             bool
	Steps              []Step
	NotificationPolicy NotificationPolicy

	// TestExecutionID is the execution bound to this flow for step tests.
	// Empty when the flow has never been tested.
	TestExecutionID string
}

// SortSteps orders f.Steps by ascending position.
func (f *Flow) SortSteps() {
	sort.SliceStable(f.Steps, func(i, j int) bool {
		return f.Steps[i].Position < f.Steps[j].Position
	})
}

// StepByID returns the step with the given id.
func (f *Flow) StepByID(id string) (Step, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// NextAfter returns the step immediately following position pos.
func (f *Flow) NextAfter(pos int) (Step, bool) {
	var (
		next  Step
		found bool
	)
	for _, s := range f.Steps {
		if s.Position <= pos {
			continue
		}
		if !found || s.Position < next.Position {
			next = s
			found = true
		}
	}
	return next, found
}

// Trigger returns the step at position 1.
func (f *Flow) Trigger() (Step, bool) {
	for _, s := range f.Steps {
		if s.Position == 1 {
			return s, true
		}
	}
	return Step{}, false
}

// Step is one configured unit of work in a Flow.
type Step struct {
	ID             string
	FlowID         string
	Position       int
	Kind           StepKind
	IntegrationKey string
	ActionKey      string
	Parameters     map[string]any

	// BranchDepth is only meaningful for if-then steps. Nil means the step was
	// authored without a depth and is resolved by the publish-time scan.
	BranchDepth *int

	// SkipTargetStepID is precomputed at publish. Nil means "terminate the
	// pipeline if the branch is not taken".
	SkipTargetStepID *string
}

// IsBranch reports whether s is a conditional branch step.
func (s Step) IsBranch() bool {
	return s.IntegrationKey == CoreIntegration && s.ActionKey == ActionIfThen
}

// IsDelay reports whether s is a built-in delay action.
func (s Step) IsDelay() bool {
	return s.IntegrationKey == CoreIntegration &&
		(s.ActionKey == ActionDelayFor || s.ActionKey == ActionDelayUntil)
}

// Execution is one run of a Flow, live or test.
type Execution struct {
	ID        string
	FlowID    string
	TestRun   bool
	Status    ExecutionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrorDetails describes why a step failed.
type ErrorDetails struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// ExecutionStep is the recorded outcome of one Step within one Execution.
type ExecutionStep struct {
	ID             string
	ExecutionID    string
	StepID         string
	Status         StepStatus
	Output         json.RawMessage
	OutputMetadata map[string]any
	ErrorDetails   *ErrorDetails
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Job is the queue message for "run step S of execution E".
type Job struct {
	FlowID      string            `json:"flowId"`
	ExecutionID string            `json:"executionId"`
	StepID      string            `json:"stepId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	GroupKey    string            `json:"groupKey,omitempty"`
	DelayMs     int64             `json:"delayMs,omitempty"`
	Attempt     int               `json:"attempt"`
}

// IntPtr and StringPtr are small helpers for optional step fields.
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
