package flowline

import (
	"fmt"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// FlowBuilder provides a fluent API for authoring flows:
//
//	flow := flowline.New("welcome").
//	    Trigger("webhook", "catch").
//	    If("has-email", flowline.WhenNot(flowline.IsEmpty(flowline.StepField("trigger", "email")))).
//	    Action("send", "mailer", "send", map[string]any{"template": "welcome"}).
//	    DelayFor("wait", 2, "days").
//	    Action("follow-up", "mailer", "send", map[string]any{"template": "tips"}).
//	    Build()
//
// Steps are positioned in the order they are added, after the trigger. The
// trigger's step id is "trigger" unless TriggerWithID is used.
type FlowBuilder struct {
	flow    api.Flow
	trigger *api.Step
	steps   []api.Step
	seen    map[string]bool
}

// New creates a builder for the flow with the given id.
func New(id string) *FlowBuilder {
	if id == "" {
		panic("flowline: flow id must not be empty")
	}
	return &FlowBuilder{
		flow: api.Flow{ID: id, Name: id, NotificationPolicy: api.NotifyDedupe},
		seen: make(map[string]bool),
	}
}

// Name sets the display name of the flow.
func (b *FlowBuilder) Name(name string) *FlowBuilder {
	b.flow.Name = name
	return b
}

// NotifyAlways sends a failure notification for every failed execution
// instead of once per failure episode.
func (b *FlowBuilder) NotifyAlways() *FlowBuilder {
	b.flow.NotificationPolicy = api.NotifyAlways
	return b
}

// Trigger sets the flow's trigger step.
func (b *FlowBuilder) Trigger(integration, action string) *FlowBuilder {
	return b.TriggerWithID("trigger", integration, action)
}

// TriggerWithID is like Trigger but names the step explicitly.
func (b *FlowBuilder) TriggerWithID(id, integration, action string) *FlowBuilder {
	if b.trigger != nil {
		panic(fmt.Sprintf("flowline: flow %q already has a trigger", b.flow.ID))
	}
	b.claim(id)
	b.trigger = &api.Step{
		ID:             id,
		Kind:           api.StepTrigger,
		IntegrationKey: integration,
		ActionKey:      action,
	}
	return b
}

// Action appends an integration action.
func (b *FlowBuilder) Action(id, integration, action string, params map[string]any) *FlowBuilder {
	return b.add(api.Step{
		ID:             id,
		IntegrationKey: integration,
		ActionKey:      action,
		Parameters:     params,
	})
}

// If appends a conditional branch whose depth is resolved when the flow is
// published. When the conditions do not all hold, execution skips to the
// next branch that closes this one, or stops if there is none.
func (b *FlowBuilder) If(id string, conds ...Condition) *FlowBuilder {
	return b.add(branchStep(id, nil, conds))
}

// IfAtDepth appends a conditional branch with an explicit nesting depth.
// Depth 0 is top level. A branch that is not taken jumps to the next branch
// at the same or a shallower depth.
func (b *FlowBuilder) IfAtDepth(id string, depth int, conds ...Condition) *FlowBuilder {
	return b.add(branchStep(id, api.IntPtr(depth), conds))
}

// DelayFor appends a delay of amount units (seconds, minutes, hours, days
// or weeks).
func (b *FlowBuilder) DelayFor(id string, amount float64, unit string) *FlowBuilder {
	return b.add(api.Step{
		ID:             id,
		IntegrationKey: api.CoreIntegration,
		ActionKey:      api.ActionDelayFor,
		Parameters:     map[string]any{"amount": amount, "unit": unit},
	})
}

// DelayUntil appends a delay that lasts until t.
func (b *FlowBuilder) DelayUntil(id string, t time.Time) *FlowBuilder {
	return b.add(api.Step{
		ID:             id,
		IntegrationKey: api.CoreIntegration,
		ActionKey:      api.ActionDelayUntil,
		Parameters:     map[string]any{"until": t.UTC().Format(time.RFC3339)},
	})
}

// Build returns the authored flow. It is inactive until published. A flow
// without a trigger is returned as is and rejected at publish.
func (b *FlowBuilder) Build() Flow {
	flow := b.flow
	flow.Steps = make([]api.Step, 0, len(b.steps)+1)

	pos := 1
	if b.trigger != nil {
		t := *b.trigger
		t.FlowID, t.Position = flow.ID, pos
		flow.Steps = append(flow.Steps, t)
		pos++
	}
	for _, s := range b.steps {
		s.FlowID, s.Position = flow.ID, pos
		flow.Steps = append(flow.Steps, s)
		pos++
	}
	return flow
}

func (b *FlowBuilder) add(s api.Step) *FlowBuilder {
	b.claim(s.ID)
	s.Kind = api.StepAction
	b.steps = append(b.steps, s)
	return b
}

func (b *FlowBuilder) claim(id string) {
	if id == "" {
		panic("flowline: step id must not be empty")
	}
	if b.seen[id] {
		panic(fmt.Sprintf("flowline: duplicate step id %q", id))
	}
	b.seen[id] = true
}

func branchStep(id string, depth *int, conds []Condition) api.Step {
	raw := make([]any, 0, len(conds))
	for _, c := range conds {
		raw = append(raw, map[string]any{
			"field":    c.Field,
			"operator": string(c.Operator),
			"value":    c.Value,
			"negate":   c.Negate,
		})
	}
	return api.Step{
		ID:             id,
		IntegrationKey: api.CoreIntegration,
		ActionKey:      api.ActionIfThen,
		Parameters:     map[string]any{"conditions": raw},
		BranchDepth:    depth,
	}
}
