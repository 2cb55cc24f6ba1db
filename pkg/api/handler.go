package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// NextKind tags the routing decision returned by a handler.
type NextKind int

const (
	// NextContinue advances to the step at the next position.
	NextContinue NextKind = iota
	// NextJump routes execution to NextStep.StepID.
	NextJump
	// NextStop ends the execution successfully.
	NextStop
)

func (k NextKind) String() string {
	switch k {
	case NextContinue:
		return "continue"
	case NextJump:
		return "jump-to-step"
	case NextStop:
		return "stop-execution"
	default:
		return fmt.Sprintf("NextKind(%d)", int(k))
	}
}

// NextStep is what should happen after a step completes.
// The zero value means "continue".
type NextStep struct {
	Kind   NextKind
	StepID string
}

func Continue() NextStep { return NextStep{Kind: NextContinue} }

func JumpTo(stepID string) NextStep { return NextStep{Kind: NextJump, StepID: stepID} }

func Stop() NextStep { return NextStep{Kind: NextStop} }

// Result is returned by a handler on success.
type Result struct {
	Output         any
	OutputMetadata map[string]any
	Next           NextStep
}

// RunContext carries everything a handler may need to run one step.
type RunContext struct {
	Flow      Flow
	Step      Step
	Execution Execution

	// PriorSteps maps step id to the recorded outcome of earlier steps in
	// this execution.
	PriorSteps map[string]ExecutionStep

	Parameters map[string]any
	Attempt    int
	TestRun    bool
	Logger     zerolog.Logger
}

// PriorOutput decodes the output of an earlier step into v.
func (rc RunContext) PriorOutput(stepID string, v any) error {
	es, ok := rc.PriorSteps[stepID]
	if !ok {
		return fmt.Errorf("no output recorded for step %s", stepID)
	}
	if len(es.Output) == 0 {
		return nil
	}
	return json.Unmarshal(es.Output, v)
}

// Handler runs one step for a particular integration/action pair.
//
// Handlers may be invoked more than once for the same step of the same
// execution and must be idempotent.
type Handler interface {
	Run(ctx context.Context, rc RunContext) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, rc RunContext) (Result, error)

func (f HandlerFunc) Run(ctx context.Context, rc RunContext) (Result, error) {
	return f(ctx, rc)
}

// HandlerKey identifies a handler in the Registry.
type HandlerKey struct {
	Integration string
	Action      string
}

func (k HandlerKey) String() string {
	return k.Integration + "/" + k.Action
}

// Registry maps (integration, action) pairs to handlers.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[HandlerKey]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[HandlerKey]Handler)}
}

// Register adds a handler. Registering the same key twice is an error.
func (r *Registry) Register(integration, action string, h Handler) error {
	if integration == "" || action == "" {
		return fmt.Errorf("integration and action keys are required")
	}
	if h == nil {
		return fmt.Errorf("handler %s/%s is nil", integration, action)
	}
	key := HandlerKey{Integration: integration, Action: action}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler already registered: %s", key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(integration, action string, h Handler) {
	if err := r.Register(integration, action, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for the given pair.
func (r *Registry) Lookup(integration, action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[HandlerKey{Integration: integration, Action: action}]
	return h, ok
}
