package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowline/internal/branch"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/pkg/api"
)

func TestPublish_ResolvesDepthsAndSkipTargets(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	flow := api.Flow{
		ID: "publish",
		Steps: []api.Step{
			triggerStep("trigger"),
			branchStep("b1", 2, nil),
			branchStep("b1.1", 3, nil),
			actionStep("a1", 4, "slack", "send"),
			branchStep("b1.2", 5, api.IntPtr(1)),
			branchStep("b2", 6, api.IntPtr(0)),
			actionStep("a2", 7, "slack", "send"),
		},
	}
	require.NoError(t, te.store.SaveFlow(ctx, &flow))

	published, err := te.Publish(ctx, "publish")
	require.NoError(t, err)
	require.True(t, published.Active)

	stored, err := te.store.GetFlow(ctx, "publish")
	require.NoError(t, err)
	require.True(t, stored.Active)

	want := map[string]struct {
		depth  int
		target string
	}{
		"b1":   {depth: 0, target: "b2"},
		"b1.1": {depth: 1, target: "b1.2"},
		"b1.2": {depth: 1, target: "b2"},
		"b2":   {depth: 0, target: ""},
	}
	for _, s := range stored.Steps {
		w, isBranch := want[s.ID]
		if !isBranch {
			require.Nil(t, s.SkipTargetStepID, "step %s", s.ID)
			continue
		}
		require.NotNil(t, s.BranchDepth, "step %s", s.ID)
		require.Equal(t, w.depth, *s.BranchDepth, "step %s", s.ID)
		if w.target == "" {
			require.Nil(t, s.SkipTargetStepID, "step %s", s.ID)
		} else {
			require.NotNil(t, s.SkipTargetStepID, "step %s", s.ID)
			require.Equal(t, w.target, *s.SkipTargetStepID, "step %s", s.ID)
		}
	}

	// Publishing again is a no-op.
	again, err := te.Publish(ctx, "publish")
	require.NoError(t, err)
	require.Equal(t, published.Steps, again.Steps)
}

func TestPublish_RejectsInvalidFlows(t *testing.T) {
	cases := map[string][]api.Step{
		"no steps": nil,
		"no trigger at position 1": {
			actionStep("a1", 2, "slack", "send"),
			actionStep("a2", 3, "slack", "send"),
		},
		"second trigger": {
			triggerStep("trigger"),
			{ID: "t2", Position: 2, Kind: api.StepTrigger, IntegrationKey: "webhook", ActionKey: "catch"},
		},
		"depth jumps two levels": {
			triggerStep("trigger"),
			branchStep("b1", 2, api.IntPtr(0)),
			branchStep("b2", 3, api.IntPtr(2)),
		},
	}

	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			te := newTestEngine(t)
			ctx := context.Background()
			flow := api.Flow{ID: "bad", Steps: steps}
			require.NoError(t, te.store.SaveFlow(ctx, &flow))

			_, err := te.Publish(ctx, "bad")
			require.ErrorIs(t, err, ErrInvalidFlow)

			stored, err := te.store.GetFlow(ctx, "bad")
			require.NoError(t, err)
			require.False(t, stored.Active)
		})
	}
}

func TestPublish_InconsistentDepthNamesCause(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	flow := api.Flow{ID: "bad", Steps: []api.Step{
		triggerStep("trigger"),
		branchStep("b1", 2, api.IntPtr(0)),
		branchStep("b2", 3, api.IntPtr(3)),
	}}
	require.NoError(t, te.store.SaveFlow(ctx, &flow))

	_, err := te.Publish(ctx, "bad")
	require.True(t, errors.Is(err, branch.ErrInconsistentDepth))
}

func TestPublish_UnknownFlow(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.Publish(context.Background(), "missing")
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)
	require.True(t, IsNotFound(err))
}

func TestStartExecution_RequiresActiveFlow(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	flow := api.Flow{ID: "draft", Steps: []api.Step{triggerStep("trigger"), actionStep("a1", 2, "slack", "send")}}
	require.NoError(t, te.store.SaveFlow(ctx, &flow))

	_, err := te.StartExecution(ctx, "draft", nil)
	require.ErrorIs(t, err, ErrFlowInactive)

	execs, err := te.store.ListExecutions(ctx, persistence.ExecutionFilter{FlowID: "draft"})
	require.NoError(t, err)
	require.Empty(t, execs)

	_, err = te.StartExecution(ctx, "missing", nil)
	require.True(t, IsNotFound(err))
}

func TestStartExecution_TriggerOnlyFlowSucceeds(t *testing.T) {
	te := newTestEngine(t)
	te.saveAndPublish(t, api.Flow{ID: "lonely", Steps: []api.Step{triggerStep("trigger")}})

	exec, err := te.StartExecution(context.Background(), "lonely", map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, api.ExecutionSuccess, exec.Status)
	require.Equal(t, api.ExecutionSuccess, te.executionStatus(t, exec.ID))
	require.Zero(t, te.queue.Len())

	view, err := te.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 1)
	require.JSONEq(t, `{"ok":true}`, string(view.Steps[0].Output))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestPublish_KeepsConcurrentTestBinding(t *testing.T) {
	hs := &hookStore{}
	te := newTestEngine(t, withHookStore(hs))
	ctx := context.Background()

	flow := threeStepFlow()
	require.NoError(t, te.store.SaveFlow(ctx, &flow))

	// A step test binds its execution after Publish read the flow.
	bound := false
	hs.afterGetFlow = func(ctx context.Context, f *api.Flow) {
		if bound {
			return
		}
		bound = true
		require.NoError(t, te.store.SetTestExecution(ctx, f.ID, "exec-test"))
	}

	_, err := te.Publish(ctx, "tested")
	require.NoError(t, err)
	require.True(t, bound)

	stored, err := te.store.GetFlow(ctx, "tested")
	require.NoError(t, err)
	require.True(t, stored.Active)
	require.Equal(t, "exec-test", stored.TestExecutionID)
}
