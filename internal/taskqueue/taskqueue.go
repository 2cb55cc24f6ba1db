package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/petrijr/flowline/pkg/api"
)

// DefaultQueueName is used when a queue is created without a name.
const DefaultQueueName = "default"

// ErrLeaseLost is returned by Ack, Nack and RenewLease when the caller no
// longer holds the lease on the task: it expired and was handed to another
// worker, or the task was already acknowledged.
var ErrLeaseLost = errors.New("task lease lost")

// Task is the queue envelope around one step job.
type Task struct {
	ID  string  `json:"id"`
	Job api.Job `json:"job"`

	EnqueuedAt time.Time `json:"enqueuedAt"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `json:"notBefore"`

	// Attempts counts failed deliveries. It is set by Nack, incremented when
	// a lease expires and the task is handed out again, and is zero on first
	// delivery.
	Attempts int `json:"attempts"`
}

// Queue is a lease-based task queue.
//
// A dequeued task stays invisible to other consumers until its lease
// expires. The owner must Ack it after processing, Nack it to schedule a
// redelivery, or keep it with RenewLease while processing runs long.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task to owner, blocking until one is
	// available or the context is cancelled. Taking over an expired lease
	// counts as a failed delivery and increments Attempts.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task, making it eligible again at notBefore
	// with the given attempt count.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks queued, including leased ones.
	Len() int
}

// prepare fills the envelope fields every backend needs before storing t.
func prepare(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = ksuid.New().String()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// waitOrDone sleeps for d unless ctx is cancelled first.
func waitOrDone(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a reusable timer that has not been started.
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	if !tmr.Stop() {
		<-tmr.C
	}
	return tmr
}
