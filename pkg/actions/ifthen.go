package actions

import (
	"context"

	"github.com/petrijr/flowline/internal/branch"
	"github.com/petrijr/flowline/pkg/api"
)

// IfThenOutput is recorded for every if-then step.
type IfThenOutput struct {
	Taken      bool    `json:"taken"`
	Conditions int     `json:"conditions"`
	SkipTarget *string `json:"skipTarget,omitempty"`
}

// IfThen is the built-in conditional branch handler.
//
// When the conditions hold, execution continues with the next step. When
// they do not, execution jumps to the step's skip target, or stops if it has
// none. Live runs read the skip target computed at publish; test runs compute
// it on demand because the flow may not have been published yet.
type IfThen struct {
	// MaxBranches bounds the on-demand scan. Zero uses branch.DefaultMaxBranches.
	MaxBranches int
}

func (h IfThen) Run(ctx context.Context, rc api.RunContext) (api.Result, error) {
	conds, err := ParseConditions(rc.Parameters)
	if err != nil {
		return api.Result{}, err
	}

	taken, err := Evaluate(conds, rc)
	if err != nil {
		return api.Result{}, err
	}

	out := IfThenOutput{Taken: taken, Conditions: len(conds)}
	if taken {
		return api.Result{Output: out}, nil
	}

	target := rc.Step.SkipTargetStepID
	if rc.TestRun {
		target, err = branch.SkipTargetFor(rc.Flow.Steps, rc.Step.ID, h.MaxBranches)
		if err != nil {
			return api.Result{}, api.NewConfigurationError("resolve skip target: %v", err)
		}
	}
	out.SkipTarget = target

	if target == nil {
		return api.Result{Output: out, Next: api.Stop()}, nil
	}
	return api.Result{Output: out, Next: api.JumpTo(*target)}, nil
}
