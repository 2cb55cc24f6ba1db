package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowline/internal/notify"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/internal/taskqueue"
	"github.com/petrijr/flowline/pkg/actions"
	"github.com/petrijr/flowline/pkg/api"
)

const testOwner = "test-worker"

// testEngine bundles an engine with the in-memory collaborators it was
// built from.
type testEngine struct {
	*Engine
	store    *persistence.InMemoryStore
	queue    *taskqueue.InMemoryQueue
	registry *api.Registry
	observer *recordingObserver
	mailer   *recordingMailer
}

type engineOption func(*Config)

func newTestEngine(t *testing.T, opts ...engineOption) *testEngine {
	t.Helper()

	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue()
	reg := api.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(reg))

	obs := &recordingObserver{}
	mailer := &recordingMailer{}

	cfg := Config{
		Store:    store,
		Router:   taskqueue.NewRouter(queue),
		Registry: reg,
		Notifier: notify.New(notify.NewMemoryDedup(), mailer),
		Observer: obs,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	eng, err := New(cfg)
	require.NoError(t, err)

	return &testEngine{
		Engine:   eng,
		store:    store,
		queue:    queue,
		registry: reg,
		observer: obs,
		mailer:   mailer,
	}
}

// drain plays the worker: it leases tasks from q, processes them and applies
// the outcome until the queue stays empty.
func (te *testEngine) drain(t *testing.T, q taskqueue.Queue) []Outcome {
	t.Helper()
	ctx := context.Background()

	var outcomes []Outcome
	for i := 0; i < 500; i++ {
		dctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		task, err := q.Dequeue(dctx, testOwner, time.Minute)
		cancel()
		if err != nil {
			return outcomes
		}

		job := task.Job
		job.Attempt = task.Attempts + 1
		out, _ := te.ProcessJob(ctx, job)
		outcomes = append(outcomes, out)

		switch out.Decision {
		case DecisionAck:
			require.NoError(t, q.Ack(ctx, task.ID, testOwner))
		case DecisionRetry:
			attempts := task.Attempts
			if out.ConsumeAttempt {
				attempts++
			}
			require.NoError(t, q.Nack(ctx, task.ID, testOwner, time.Now().Add(out.Delay), attempts))
		}
	}
	t.Fatalf("queue did not drain")
	return nil
}

func (te *testEngine) saveAndPublish(t *testing.T, flow api.Flow) *api.Flow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, te.store.SaveFlow(ctx, &flow))
	published, err := te.Publish(ctx, flow.ID)
	require.NoError(t, err)
	return published
}

func (te *testEngine) executionStatus(t *testing.T, id string) api.ExecutionStatus {
	t.Helper()
	exec, err := te.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec.Status
}

// executedSteps returns the ids of the steps recorded for an execution in
// creation order.
func (te *testEngine) executedSteps(t *testing.T, executionID string) []string {
	t.Helper()
	list, err := te.store.ListExecutionSteps(context.Background(), executionID)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, es := range list {
		ids = append(ids, es.StepID)
	}
	return ids
}

func triggerStep(id string) api.Step {
	return api.Step{ID: id, Position: 1, Kind: api.StepTrigger, IntegrationKey: "webhook", ActionKey: "catch"}
}

func actionStep(id string, pos int, integration, action string) api.Step {
	return api.Step{ID: id, Position: pos, IntegrationKey: integration, ActionKey: action}
}

func branchStep(id string, pos int, depth *int, conds ...actions.Condition) api.Step {
	return api.Step{
		ID:             id,
		Position:       pos,
		IntegrationKey: api.CoreIntegration,
		ActionKey:      api.ActionIfThen,
		BranchDepth:    depth,
		Parameters:     map[string]any{"conditions": conds},
	}
}

// whenTrigger builds a condition on a field of the "trigger" step output.
func whenTrigger(field string, op actions.Operator, value string) actions.Condition {
	return actions.Condition{Field: "steps.trigger." + field, Operator: op, Value: value}
}

// recordHandler records every step it runs and succeeds.
type recordHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordHandler) Run(ctx context.Context, rc api.RunContext) (api.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, rc.Step.ID)
	return api.Result{Output: map[string]any{"step": rc.Step.ID}}, nil
}

func (h *recordHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type recordingObserver struct {
	api.NoopObserver

	mu        sync.Mutex
	started   int
	succeeded int
	failed    []error
	retries   []time.Duration
}

func (o *recordingObserver) OnExecutionStart(ctx context.Context, exec *api.Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) OnExecutionSucceeded(ctx context.Context, exec *api.Execution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded++
}

func (o *recordingObserver) OnExecutionFailed(ctx context.Context, exec *api.Execution, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *recordingObserver) OnJobRetry(ctx context.Context, job api.Job, delay time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, delay)
}

func (o *recordingObserver) counts() (started, succeeded, failed, retries int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started, o.succeeded, len(o.failed), len(o.retries)
}

type recordingMailer struct {
	mu      sync.Mutex
	notices []notify.FailureNotice
}

func (m *recordingMailer) SendFailureEmail(ctx context.Context, n notify.FailureNotice) (notify.Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, n)
	return notify.Details{MessageID: n.ExecutionID, SentAt: time.Now()}, nil
}

func (m *recordingMailer) sent() []notify.FailureNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.FailureNotice(nil), m.notices...)
}

var errBoom = errors.New("boom")

// hookStore wraps a Store so tests can intercept single calls. A nil hook
// passes the call through.
type hookStore struct {
	persistence.Store

	afterGetFlow func(ctx context.Context, flow *api.Flow)
	upsertStep   func(es *api.ExecutionStep) error
	transition   func(id string, to api.ExecutionStatus) error
}

func (s *hookStore) GetFlow(ctx context.Context, id string) (*api.Flow, error) {
	flow, err := s.Store.GetFlow(ctx, id)
	if err == nil && s.afterGetFlow != nil {
		s.afterGetFlow(ctx, flow)
	}
	return flow, err
}

func (s *hookStore) UpsertExecutionStep(ctx context.Context, es *api.ExecutionStep) error {
	if s.upsertStep != nil {
		if err := s.upsertStep(es); err != nil {
			return err
		}
	}
	return s.Store.UpsertExecutionStep(ctx, es)
}

func (s *hookStore) TransitionExecution(ctx context.Context, id string, to api.ExecutionStatus) error {
	if s.transition != nil {
		if err := s.transition(id, to); err != nil {
			return err
		}
	}
	return s.Store.TransitionExecution(ctx, id, to)
}

// withHookStore wraps the engine's store in hs.
func withHookStore(hs *hookStore) engineOption {
	return func(cfg *Config) {
		hs.Store = cfg.Store
		cfg.Store = hs
	}
}

// failingQueue refuses every enqueue.
type failingQueue struct {
	taskqueue.Queue
}

func (failingQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	return errQueueDown
}

var errQueueDown = errors.New("queue unavailable")
