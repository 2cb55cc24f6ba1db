package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/petrijr/flowline/internal/engine"
	"github.com/petrijr/flowline/internal/taskqueue"
	"github.com/petrijr/flowline/pkg/api"
)

const (
	DefaultLeaseTTL = 30 * time.Second
	// settleTimeout bounds Ack/Nack after the worker's context is done.
	settleTimeout = 5 * time.Second
)

// Processor decides what happens to one job. *engine.Engine implements it.
type Processor interface {
	ProcessJob(ctx context.Context, job api.Job) (engine.Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job api.Job) (engine.Outcome, error)

func (f ProcessorFunc) ProcessJob(ctx context.Context, job api.Job) (engine.Outcome, error) {
	return f(ctx, job)
}

// Config controls how a Worker leases tasks.
type Config struct {
	// WorkerID identifies the lease owner. Defaults to a random id.
	WorkerID string

	// LeaseTTL is how long a dequeued task stays invisible to other
	// workers without a heartbeat.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often the lease is renewed while a job runs.
	// Defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration

	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + ksuid.New().String()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	return c
}

// Worker pulls tasks from a Queue and hands their jobs to a Processor.
type Worker struct {
	proc   Processor
	queue  taskqueue.Queue
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Worker with default settings.
func New(proc Processor, queue taskqueue.Queue) *Worker {
	return NewWithConfig(proc, queue, Config{})
}

// NewWithConfig creates a Worker.
func NewWithConfig(proc Processor, queue taskqueue.Queue, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Worker{
		proc:   proc,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With().Str("worker_id", cfg.WorkerID).Logger(),
		now:    time.Now,
	}
}

// ID returns the lease owner name of the worker.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// ProcessOne leases a single task and processes it.
// Returns (processed, error):
//   - processed == false: no task was leased before ctx was done, or the
//     queue failed.
//   - processed == true: a task was processed; err is the job's failure, if
//     any, or the error settling the task.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.processNext(ctx, ctx)
}

// processNext waits for a task using waitCtx and processes it using ctx.
func (w *Worker) processNext(ctx, waitCtx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(waitCtx, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	job := task.Job
	job.Attempt = task.Attempts + 1
	logger := w.logger.With().
		Str("task_id", task.ID).
		Str("execution_id", job.ExecutionID).
		Str("step_id", job.StepID).
		Int("attempt", job.Attempt).
		Logger()

	stop := w.heartbeat(ctx, task.ID, logger)
	out, procErr := w.proc.ProcessJob(ctx, job)
	stop()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var settleErr error
	switch out.Decision {
	case engine.DecisionRetry:
		attempts := task.Attempts
		if out.ConsumeAttempt {
			attempts++
		}
		settleErr = w.queue.Nack(settleCtx, task.ID, w.cfg.WorkerID, w.now().Add(out.Delay), attempts)
	default:
		settleErr = w.queue.Ack(settleCtx, task.ID, w.cfg.WorkerID)
	}

	if settleErr != nil {
		if errors.Is(settleErr, taskqueue.ErrLeaseLost) {
			logger.Warn().Str("decision", out.Decision.String()).Msg("lease lost before the task was settled")
		} else {
			logger.Error().Err(settleErr).Str("decision", out.Decision.String()).Msg("settling task failed")
		}
		if procErr == nil {
			return true, settleErr
		}
	}
	return true, procErr
}

// heartbeat renews the task's lease until the returned stop function is
// called. stop waits for the renewing goroutine to exit.
func (w *Worker) heartbeat(ctx context.Context, taskID string, logger zerolog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := w.queue.RenewLease(hbCtx, taskID, w.cfg.WorkerID, w.cfg.LeaseTTL)
				switch {
				case err == nil:
				case errors.Is(err, taskqueue.ErrLeaseLost):
					logger.Warn().Msg("lease lost while the job was running")
					return
				case hbCtx.Err() != nil:
					return
				default:
					logger.Warn().Err(err).Msg("lease renewal failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// Run processes tasks until ctx is done. Job failures are logged and do
// not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !processed {
				w.logger.Error().Err(err).Msg("dequeue failed")
				if err := sleepCtx(ctx, time.Second); err != nil {
					return nil
				}
				continue
			}
			w.logger.Debug().Err(err).Msg("job did not complete")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
