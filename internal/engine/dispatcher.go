package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/petrijr/flowline/internal/taskqueue"
	"github.com/petrijr/flowline/pkg/api"
)

// EnqueueRequest asks for one step of one execution to be run.
type EnqueueRequest struct {
	FlowID      string
	ExecutionID string
	StepID      string
	Metadata    map[string]string
	// Delay postpones visibility of the job to workers.
	Delay time.Duration
	// Attempt defaults to 1.
	Attempt int
}

// Enqueue places exactly one job for req.StepID on the queue serving the
// step's integration and returns the task id.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	step, err := e.store.GetStep(ctx, req.StepID)
	if err != nil {
		return "", fmt.Errorf("load step %s: %w", req.StepID, err)
	}
	return e.enqueueStep(ctx, *step, req)
}

func (e *Engine) enqueueStep(ctx context.Context, step api.Step, req EnqueueRequest) (string, error) {
	groupKey, err := e.resolveGroupKey(ctx, step)
	if err != nil {
		return "", err
	}

	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	delay := req.Delay
	if delay < 0 {
		delay = 0
	}

	now := e.now()
	task := taskqueue.Task{
		ID: ksuid.New().String(),
		Job: api.Job{
			FlowID:      req.FlowID,
			ExecutionID: req.ExecutionID,
			StepID:      step.ID,
			Metadata:    req.Metadata,
			GroupKey:    groupKey,
			DelayMs:     delay.Milliseconds(),
			Attempt:     attempt,
		},
		EnqueuedAt: now,
		NotBefore:  now.Add(delay),
	}

	q := e.router.QueueFor(step.IntegrationKey)
	if err := q.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue step %s: %w", step.ID, err)
	}

	e.logger.Debug().
		Str("task_id", task.ID).
		Str("execution_id", req.ExecutionID).
		Str("step_id", step.ID).
		Str("group_key", groupKey).
		Dur("delay", delay).
		Msg("step enqueued")
	return task.ID, nil
}

// resolveGroupKey returns the group key of step, or "" when its integration
// has no resolver. A resolver failure is unrecoverable.
func (e *Engine) resolveGroupKey(ctx context.Context, step api.Step) (string, error) {
	resolve, ok := e.resolvers[step.IntegrationKey]
	if !ok {
		return "", nil
	}
	key, err := e.groupKeys.GetOrLoad(ctx, step.ID, func(ctx context.Context, _ string) (string, error) {
		return resolve(ctx, step)
	})
	if err != nil {
		return "", api.Unrecoverable(fmt.Errorf("resolve group key of step %s: %w", step.ID, err))
	}
	return key, nil
}
