package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/petrijr/flowline/internal/taskqueue"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = 500 * time.Millisecond
)

// PoolConfig controls a Pool.
type PoolConfig struct {
	Config

	// Concurrency caps the number of jobs running at once across all queues.
	Concurrency int

	// PollInterval bounds how long an idle worker waits on one queue before
	// giving its slot back.
	PollInterval time.Duration
}

// Pool runs workers over every queue of a router while keeping a global
// cap on in-flight jobs.
type Pool struct {
	proc   Processor
	queues []taskqueue.NamedQueue
	cfg    PoolConfig
	logger zerolog.Logger
}

// NewPool creates a Pool serving every queue known to router.
func NewPool(proc Processor, router *taskqueue.Router, cfg PoolConfig) *Pool {
	return NewPoolForQueues(proc, router.Queues(), cfg)
}

// NewPoolForQueues creates a Pool serving the given queues.
func NewPoolForQueues(proc Processor, queues []taskqueue.NamedQueue, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Config = cfg.Config.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Pool{proc: proc, queues: queues, cfg: cfg, logger: logger}
}

// Run blocks until ctx is done and every in-flight job has been settled.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.queues) == 0 {
		return errors.New("worker pool has no queues")
	}

	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, nq := range p.queues {
		for i := 0; i < p.cfg.Concurrency; i++ {
			cfg := p.cfg.Config
			cfg.WorkerID = fmt.Sprintf("%s/%s/%d", p.cfg.WorkerID, nq.Name, i)
			w := NewWithConfig(p.proc, nq.Queue, cfg)

			g.Go(func() error {
				return p.loop(gctx, w, sem)
			})
		}
	}

	p.logger.Info().
		Int("queues", len(p.queues)).
		Int("concurrency", p.cfg.Concurrency).
		Msg("worker pool started")

	err := g.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, w *Worker, sem *semaphore.Weighted) error {
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
		processed, err := w.processNext(ctx, pollCtx)
		cancel()
		sem.Release(1)

		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
		case !processed && errors.Is(err, context.DeadlineExceeded):
			// idle
		case !processed:
			w.logger.Error().Err(err).Msg("dequeue failed")
			if sleepCtx(ctx, p.cfg.PollInterval) != nil {
				return nil
			}
		default:
			w.logger.Debug().Err(err).Msg("job did not complete")
		}
	}
}
