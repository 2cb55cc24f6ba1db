// Package engine orchestrates flow executions: it starts executions from
// triggers, decides what happens after every step job, retries failures and
// runs single-step tests.
//
// The engine never touches queues from inside handlers. Workers hand each
// dequeued job to ProcessJob and apply the returned Outcome to the queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/internal/cache"
	"github.com/petrijr/flowline/internal/notify"
	"github.com/petrijr/flowline/internal/persistence"
	"github.com/petrijr/flowline/internal/ratelimit"
	"github.com/petrijr/flowline/internal/taskqueue"
	"github.com/petrijr/flowline/pkg/api"
)

// DefaultGroupKeyTTL is how long a resolved group key is reused.
const DefaultGroupKeyTTL = 5 * time.Minute

var (
	// ErrFlowInactive is returned when triggering a flow that is not published.
	ErrFlowInactive = errors.New("flow is not active")

	// ErrInvalidFlow is returned by Publish for flows that cannot run.
	ErrInvalidFlow = errors.New("invalid flow")

	// ErrInvalidJump is the cause of failures where a handler asked to jump
	// to a step that is not later in the same flow.
	ErrInvalidJump = errors.New("invalid jump target")

	// ErrHandlerPanic is the cause recorded when a step handler panics.
	ErrHandlerPanic = errors.New("step handler panicked")

	// ErrAttemptsExhausted is the cause recorded when a job is delivered
	// after its attempts ran out, e.g. because workers stalled past their
	// leases.
	ErrAttemptsExhausted = errors.New("step attempts exhausted")
)

// Config wires the engine to its collaborators.
type Config struct {
	Store    persistence.Store
	Router   *taskqueue.Router
	Registry *api.Registry

	// Limiter enforces Groups. Defaults to an in-process limiter.
	Limiter ratelimit.Limiter
	// Groups holds the limit policy of each integration that has one.
	Groups map[string]api.GroupPolicy
	// Resolvers compute the group key of steps, per integration.
	Resolvers map[string]api.GroupResolver
	// GroupKeyTTL bounds how long a resolved group key is cached.
	GroupKeyTTL time.Duration

	// Notifier is optional. Without it failures are only logged.
	Notifier *notify.Notifier

	Observer api.Observer
	Logger   *zerolog.Logger
	Retry    RetryPolicy

	// MaxBranches bounds the skip target scan of test runs.
	MaxBranches int

	// Now is used for scheduling. Defaults to time.Now.
	Now func() time.Time
}

// Engine is safe for concurrent use by many workers.
type Engine struct {
	store     persistence.Store
	router    *taskqueue.Router
	registry  *api.Registry
	limiter   ratelimit.Limiter
	groups    map[string]api.GroupPolicy
	resolvers map[string]api.GroupResolver
	groupKeys *cache.TTL[string]
	notifier  *notify.Notifier
	observer  api.Observer
	logger    zerolog.Logger
	retry     RetryPolicy
	maxBranch int
	now       func() time.Time
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("engine: queue router is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: handler registry is required")
	}

	e := &Engine{
		store:     cfg.Store,
		router:    cfg.Router,
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		groups:    make(map[string]api.GroupPolicy, len(cfg.Groups)),
		resolvers: make(map[string]api.GroupResolver, len(cfg.Resolvers)),
		notifier:  cfg.Notifier,
		observer:  cfg.Observer,
		logger:    zerolog.Nop(),
		retry:     cfg.Retry.withDefaults(),
		maxBranch: cfg.MaxBranches,
		now:       cfg.Now,
	}
	for k, p := range cfg.Groups {
		if !p.IsZero() {
			e.groups[k] = p
		}
	}
	for k, r := range cfg.Resolvers {
		if r != nil {
			e.resolvers[k] = r
		}
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewMemoryLimiter()
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	}
	if e.now == nil {
		e.now = time.Now
	}
	ttl := cfg.GroupKeyTTL
	if ttl <= 0 {
		ttl = DefaultGroupKeyTTL
	}
	e.groupKeys = cache.NewTTL[string](cache.DefaultSize, ttl)

	return e, nil
}

// Store returns the store the engine writes to.
func (e *Engine) Store() persistence.Store {
	return e.store
}

// Router returns the queue router jobs are dispatched through.
func (e *Engine) Router() *taskqueue.Router {
	return e.router
}

// ExecutionView is an execution together with its recorded step outcomes.
type ExecutionView struct {
	Execution api.Execution
	Steps     []api.ExecutionStep
}

// GetExecution returns an execution and the outcomes recorded for it.
func (e *Engine) GetExecution(ctx context.Context, id string) (*ExecutionView, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListExecutionSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list steps of execution %s: %w", id, err)
	}
	view := &ExecutionView{Execution: *exec, Steps: make([]api.ExecutionStep, 0, len(steps))}
	for _, es := range steps {
		view.Steps = append(view.Steps, *es)
	}
	return view, nil
}

// priorSteps indexes the outcomes recorded for an execution by step id.
func (e *Engine) priorSteps(ctx context.Context, executionID string) (map[string]api.ExecutionStep, error) {
	list, err := e.store.ListExecutionSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]api.ExecutionStep, len(list))
	for _, es := range list {
		out[es.StepID] = *es
	}
	return out, nil
}
