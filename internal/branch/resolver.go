// Package branch computes where an if-then step jumps when its condition is
// not met.
//
// Branch steps form nested series. Each branch step carries an optional
// depth: a concrete depth is authoritative, while a missing depth means the
// step opens a new series one level deeper than the previous branch step.
// Because the magnitude of a missing depth is only known relative to what
// came before, depths are always resolved by scanning from the first step.
package branch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/petrijr/flowline/pkg/api"
)

// DefaultMaxBranches bounds the on-demand scan used by test runs.
const DefaultMaxBranches = 50

var (
	// ErrTooManyBranches is returned when an on-demand scan exceeds its bound.
	ErrTooManyBranches = errors.New("too many branch steps")

	// ErrInconsistentDepth is returned by Validate for depth sequences that
	// cannot have come from the editor's authoring order.
	ErrInconsistentDepth = errors.New("inconsistent branch depth")

	// ErrNotBranch is returned when the requested step is not an if-then step.
	ErrNotBranch = errors.New("step is not a branch")
)

// Resolution is the resolved depth of one branch step.
type Resolution struct {
	StepID   string
	Position int
	Depth    int
	// Inferred is true when the persisted depth was missing.
	Inferred bool
}

// ordered returns the steps sorted by position without mutating the input.
func ordered(steps []api.Step) []api.Step {
	out := make([]api.Step, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// ResolveDepths scans steps in position order and resolves the depth of
// every branch step. Non-branch steps are skipped.
func ResolveDepths(steps []api.Step) []Resolution {
	depth := -1
	var out []Resolution
	for _, s := range ordered(steps) {
		if !s.IsBranch() {
			continue
		}
		r := Resolution{StepID: s.ID, Position: s.Position}
		if s.BranchDepth == nil {
			depth++
			r.Inferred = true
		} else {
			depth = *s.BranchDepth
		}
		r.Depth = depth
		out = append(out, r)
	}
	return out
}

// ComputeSkipTargets returns, for every branch step, the id of the first
// later branch step whose resolved depth is less than or equal to its own.
// A nil target means the pipeline terminates when the branch is not taken.
func ComputeSkipTargets(steps []api.Step) map[string]*string {
	res := ResolveDepths(steps)
	out := make(map[string]*string, len(res))
	for i, r := range res {
		out[r.StepID] = nil
		for _, later := range res[i+1:] {
			if later.Depth <= r.Depth {
				id := later.StepID
				out[r.StepID] = &id
				break
			}
		}
	}
	return out
}

// SkipTargetFor computes the skip target of a single branch step on demand.
//
// It scans from the first step because a missing depth can only be resolved
// relative to its predecessors, and stops once maxBranches branch steps have
// been seen. maxBranches <= 0 uses DefaultMaxBranches.
func SkipTargetFor(steps []api.Step, stepID string, maxBranches int) (*string, error) {
	if maxBranches <= 0 {
		maxBranches = DefaultMaxBranches
	}

	depth := -1
	seen := 0
	targetDepth := 0
	found := false

	for _, s := range ordered(steps) {
		if !s.IsBranch() {
			if s.ID == stepID {
				return nil, fmt.Errorf("%w: %s", ErrNotBranch, stepID)
			}
			continue
		}
		seen++
		if seen > maxBranches {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyBranches, maxBranches)
		}
		if s.BranchDepth == nil {
			depth++
		} else {
			depth = *s.BranchDepth
		}

		if found && depth <= targetDepth {
			id := s.ID
			return &id, nil
		}
		if s.ID == stepID {
			found = true
			targetDepth = depth
		}
	}

	if !found {
		return nil, fmt.Errorf("step %s not found among branch steps", stepID)
	}
	return nil, nil
}

// Validate rejects depth sequences that would make skip targets ambiguous:
// negative depths, and concrete depths that open more than one new level at
// once. A flow whose branch steps were reordered without recomputing depths
// typically trips the second rule.
func Validate(steps []api.Step) error {
	prev := -1
	for _, s := range ordered(steps) {
		if !s.IsBranch() {
			continue
		}
		if s.BranchDepth == nil {
			prev++
			continue
		}
		d := *s.BranchDepth
		if d < 0 {
			return fmt.Errorf("%w: step %s has negative depth %d", ErrInconsistentDepth, s.ID, d)
		}
		if d > prev+1 {
			return fmt.Errorf("%w: step %s at position %d jumps from depth %d to %d",
				ErrInconsistentDepth, s.ID, s.Position, prev, d)
		}
		prev = d
	}
	return nil
}
