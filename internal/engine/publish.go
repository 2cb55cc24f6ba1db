package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/flowline/internal/branch"
	"github.com/petrijr/flowline/pkg/api"
)

// Publish validates a flow, resolves the depth and skip target of every
// branch step, persists them and activates the flow.
func (e *Engine) Publish(ctx context.Context, flowID string) (*api.Flow, error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := validatePositions(flow); err != nil {
		return nil, err
	}
	if err := branch.Validate(flow.Steps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}

	depths := make(map[string]int)
	for _, r := range branch.ResolveDepths(flow.Steps) {
		depths[r.StepID] = r.Depth
	}
	targets := branch.ComputeSkipTargets(flow.Steps)

	for i := range flow.Steps {
		s := &flow.Steps[i]
		if !s.IsBranch() {
			s.SkipTargetStepID = nil
			continue
		}
		s.BranchDepth = api.IntPtr(depths[s.ID])
		s.SkipTargetStepID = targets[s.ID]
	}
	flow.Active = true

	if err := e.store.SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("save published flow: %w", err)
	}

	e.logger.Info().
		Str("flow_id", flow.ID).
		Int("steps", len(flow.Steps)).
		Int("branches", len(targets)).
		Msg("flow published")
	return flow, nil
}

// validatePositions requires the trigger at position 1 and actions after it.
func validatePositions(flow *api.Flow) error {
	if len(flow.Steps) == 0 {
		return fmt.Errorf("%w: flow %s has no steps", ErrInvalidFlow, flow.ID)
	}
	flow.SortSteps()

	seen := make(map[int]bool, len(flow.Steps))
	for i, s := range flow.Steps {
		if seen[s.Position] {
			return fmt.Errorf("%w: duplicate position %d", ErrInvalidFlow, s.Position)
		}
		seen[s.Position] = true

		switch {
		case i == 0 && s.Position != 1:
			return fmt.Errorf("%w: first step is at position %d, want 1", ErrInvalidFlow, s.Position)
		case i == 0 && s.Kind != api.StepTrigger:
			return fmt.Errorf("%w: step %s at position 1 is not a trigger", ErrInvalidFlow, s.ID)
		case i > 0 && s.Kind == api.StepTrigger:
			return fmt.Errorf("%w: trigger %s is not at position 1", ErrInvalidFlow, s.ID)
		}
	}
	return nil
}
