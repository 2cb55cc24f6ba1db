package flowline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/internal/config"
	"github.com/petrijr/flowline/pkg/api"
)

const waitPollInterval = 10 * time.Millisecond

// LocalRunner bundles an in-memory store, task queue, engine and worker pool
// into a single process-local helper for development and tests.
//
// Typical usage:
//
//	runner, err := flowline.NewLocalRunner(
//	    flowline.WithHandler("slack", "send", sendToSlack),
//	)
//	...
//	defer runner.Close()
//
//	_, _ = runner.Deploy(ctx, flow)
//	_ = runner.Start(ctx)
//	exec, _ := runner.Trigger(ctx, flow.ID, payload)
//	view, _ := runner.WaitForExecution(ctx, exec.ID)
//
// Nothing survives the process.
type LocalRunner struct {
	app *App

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// RunnerOption customizes NewLocalRunner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	cfg  config.Config
	opts []Option
}

// WithRetry sets the engine-wide retry policy.
func WithRetry(r RetryBuilder) RunnerOption {
	return func(o *runnerOptions) {
		p := r.Policy()
		o.cfg.Retry = config.RetryConfig{
			MaxAttempts:    p.MaxAttempts,
			InitialBackoff: p.InitialBackoff,
			MaxBackoff:     p.MaxBackoff,
			Multiplier:     p.Multiplier,
			Jitter:         p.Jitter,
		}
	}
}

// WithConcurrency sets how many jobs run at once.
func WithConcurrency(n int) RunnerOption {
	return func(o *runnerOptions) { o.cfg.Worker.Concurrency = n }
}

// WithGroupLimit limits every group of an integration.
func WithGroupLimit(integration string, p GroupPolicy) RunnerOption {
	return func(o *runnerOptions) {
		o.cfg.Groups[integration] = config.GroupConfig{Concurrency: p.Concurrency, Limit: p.Limit, Per: p.Per}
	}
}

// WithHandler registers a handler for an integration action.
func WithHandler(integration, action string, h Handler) RunnerOption {
	return func(o *runnerOptions) {
		o.opts = append(o.opts, WithHandlers(func(r *api.Registry) error {
			return r.Register(integration, action, h)
		}))
	}
}

// WithRunnerLogger sets the logger used by the engine and workers.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(o *runnerOptions) { o.opts = append(o.opts, WithLogger(logger)) }
}

// WithAppOptions passes options straight to Build.
func WithAppOptions(opts ...Option) RunnerOption {
	return func(o *runnerOptions) { o.opts = append(o.opts, opts...) }
}

// NewLocalRunner builds an in-memory App.
func NewLocalRunner(opts ...RunnerOption) (*LocalRunner, error) {
	o := runnerOptions{cfg: config.Default()}
	o.cfg.Worker.PollInterval = 50 * time.Millisecond
	for _, opt := range opts {
		opt(&o)
	}

	a, err := Build(context.Background(), o.cfg, o.opts...)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{app: a}, nil
}

// App exposes the underlying components.
func (r *LocalRunner) App() *App { return r.app }

// Engine returns the runner's engine.
func (r *LocalRunner) Engine() *Engine { return r.app.Engine }

// Deploy saves flow and publishes it.
func (r *LocalRunner) Deploy(ctx context.Context, flow Flow) (*Flow, error) {
	if err := r.app.Engine.Store().SaveFlow(ctx, &flow); err != nil {
		return nil, err
	}
	return r.app.Engine.Publish(ctx, flow.ID)
}

// Start runs the worker pool in the background until Stop.
//
// Calling Start twice without Stop in between is an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("flowline: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	go func(done chan<- error) {
		done <- r.app.RunWorkers(ctx)
	}(r.done)
	return nil
}

// Stop cancels the worker pool and waits for in-flight jobs to settle.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	return <-done
}

// Close stops the workers and releases the runner.
func (r *LocalRunner) Close() error {
	return errors.Join(r.Stop(), r.app.Close())
}

// Trigger starts a live execution of flowID with the trigger's output.
func (r *LocalRunner) Trigger(ctx context.Context, flowID string, output any) (*Execution, error) {
	return r.app.Engine.StartExecution(ctx, flowID, output)
}

// WaitForExecution polls until the execution reaches success or failure,
// or ctx is done.
func (r *LocalRunner) WaitForExecution(ctx context.Context, id string) (*ExecutionView, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		view, err := r.app.Engine.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Execution.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TestStep runs one step synchronously against the flow's test execution.
func (r *LocalRunner) TestStep(ctx context.Context, flowID, stepID string, triggerOutput any) (*TestResult, error) {
	return r.app.Engine.TestStep(ctx, flowID, stepID, TestInput{TriggerOutput: triggerOutput})
}

// Metrics returns a snapshot of the runner's counters.
func (r *LocalRunner) Metrics() BasicMetricsSnapshot {
	return r.app.Metrics.Snapshot()
}
