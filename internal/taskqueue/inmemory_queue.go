package taskqueue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	task       Task
	seq        uint64
	owner      string
	leaseUntil time.Time
}

func (e *memEntry) eligible(now time.Time) bool {
	if e.owner != "" && now.Before(e.leaseUntil) {
		return false
	}
	return !now.Before(e.task.NotBefore)
}

// wakeAt is the next instant the entry may become eligible.
func (e *memEntry) wakeAt() time.Time {
	if e.owner != "" && e.leaseUntil.After(e.task.NotBefore) {
		return e.leaseUntil
	}
	return e.task.NotBefore
}

// InMemoryQueue is a Queue kept entirely in process memory.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	// changed is closed and replaced whenever the queue is modified, waking
	// every blocked Dequeue.
	changed chan struct{}
	now     func() time.Time
}

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries: make(map[string]*memEntry),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	prepare(&t, q.now())
	q.seq++
	q.entries[t.ID] = &memEntry{task: t, seq: q.seq}
	q.notifyLocked()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		now := q.now()
		var (
			best *memEntry
			next time.Time
		)
		for _, e := range q.entries {
			if e.eligible(now) {
				if best == nil || e.task.NotBefore.Before(best.task.NotBefore) ||
					(e.task.NotBefore.Equal(best.task.NotBefore) && e.seq < best.seq) {
					best = e
				}
				continue
			}
			if w := e.wakeAt(); next.IsZero() || w.Before(next) {
				next = w
			}
		}
		if best != nil {
			if best.owner != "" {
				// The previous lease expired without an Ack or Nack.
				best.task.Attempts++
			}
			best.owner = owner
			best.leaseUntil = now.Add(leaseTTL)
			out := best.task
			q.mu.Unlock()
			return &out, nil
		}
		changed := q.changed
		q.mu.Unlock()

		wait := time.Hour
		if !next.IsZero() {
			wait = next.Sub(now)
		}
		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
			if !tmr.Stop() {
				<-tmr.C
			}
		case <-tmr.C:
		}
	}
}

// leasedLocked returns the entry for taskID if owner holds a live lease on it.
func (q *InMemoryQueue) leasedLocked(taskID, owner string) (*memEntry, error) {
	e, ok := q.entries[taskID]
	if !ok || e.owner != owner || q.now().After(e.leaseUntil) {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.leasedLocked(taskID, owner); err != nil {
		return err
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leasedLocked(taskID, owner)
	if err != nil {
		return err
	}
	e.owner = ""
	e.leaseUntil = time.Time{}
	e.task.NotBefore = notBefore
	e.task.Attempts = attempts
	q.notifyLocked()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leasedLocked(taskID, owner)
	if err != nil {
		return err
	}
	e.leaseUntil = q.now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
