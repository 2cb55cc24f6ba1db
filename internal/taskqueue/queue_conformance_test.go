package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

func jobFor(stepID string) api.Job {
	return api.Job{FlowID: "flow-1", ExecutionID: "exec-1", StepID: stepID, Metadata: map[string]string{"k": "v"}}
}

// runQueueConformance exercises the Queue contract against a backend.
// newQueue must return an empty queue that no other test shares.
func runQueueConformance(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("EnqueueDequeueOrder", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		base := time.Now().Add(-time.Second)
		for i, stepID := range []string{"s1", "s2", "s3"} {
			task := Task{ID: stepID, Job: jobFor(stepID), NotBefore: base.Add(time.Duration(i) * time.Millisecond)}
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue %s failed: %v", stepID, err)
			}
		}
		if q.Len() != 3 {
			t.Fatalf("expected Len 3, got %d", q.Len())
		}

		for _, want := range []string{"s1", "s2", "s3"} {
			got, err := q.Dequeue(ctx, "w1", time.Second)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if got.ID != want || got.Job.StepID != want {
				t.Fatalf("expected %s, got %+v", want, got)
			}
			if got.Job.Metadata["k"] != "v" {
				t.Fatalf("job metadata lost: %+v", got.Job)
			}
			if err := q.Ack(ctx, got.ID, "w1"); err != nil {
				t.Fatalf("Ack %s: %v", got.ID, err)
			}
		}

		if q.Len() != 0 {
			t.Fatalf("expected Len 0 after acks, got %d", q.Len())
		}
	})

	t.Run("DequeueHonorsContextCancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		if _, err := q.Dequeue(ctx, "w1", time.Second); err == nil {
			t.Fatalf("expected Dequeue to fail due to context cancellation")
		}
	})

	t.Run("DequeueBlocksUntilTaskArrives", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		resultCh := make(chan *Task, 1)
		errCh := make(chan error, 1)
		go func() {
			tk, err := q.Dequeue(ctx, "w1", time.Second)
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- tk
		}()

		time.Sleep(50 * time.Millisecond)
		if err := q.Enqueue(context.Background(), Task{Job: jobFor("late")}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}

		select {
		case err := <-errCh:
			t.Fatalf("Dequeue returned error: %v", err)
		case tk := <-resultCh:
			if tk.Job.StepID != "late" || tk.ID == "" {
				t.Fatalf("unexpected task from Dequeue: %+v", tk)
			}
		case <-ctx.Done():
			t.Fatalf("timeout waiting for Dequeue to return")
		}
	})

	t.Run("ScheduledTasksWaitForNotBefore", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		delay := 150 * time.Millisecond
		if err := q.Enqueue(ctx, Task{Job: jobFor("delayed"), NotBefore: time.Now().Add(delay)}); err != nil {
			t.Fatalf("Enqueue delayed failed: %v", err)
		}
		if err := q.Enqueue(ctx, Task{Job: jobFor("now")}); err != nil {
			t.Fatalf("Enqueue immediate failed: %v", err)
		}

		first, err := q.Dequeue(ctx, "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue first failed: %v", err)
		}
		if first.Job.StepID != "now" {
			t.Fatalf("expected immediate task first, got %+v", first)
		}

		start := time.Now()
		second, err := q.Dequeue(ctx, "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue second failed: %v", err)
		}
		if second.Job.StepID != "delayed" {
			t.Fatalf("expected delayed task second, got %+v", second)
		}
		if elapsed := time.Since(start); elapsed < delay/2 {
			t.Fatalf("delayed task delivered too early: %v", elapsed)
		}
	})

	t.Run("ExpiredLeaseIsRedelivered", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := q.Enqueue(ctx, Task{Job: jobFor("s1")}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		got1, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue1: %v", err)
		}

		got2, err := q.Dequeue(ctx, "w2", time.Second)
		if err != nil {
			t.Fatalf("Dequeue2: %v", err)
		}
		if got1.ID != got2.ID {
			t.Fatalf("expected same task ID, got %q vs %q", got1.ID, got2.ID)
		}

		if err := q.Ack(ctx, got1.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for the stale owner, got %v", err)
		}
		if err := q.Ack(ctx, got2.ID, "w2"); err != nil {
			t.Fatalf("Ack by current owner: %v", err)
		}
	})

	t.Run("ExpiredLeaseCountsAsAttempt", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := q.Enqueue(ctx, Task{Job: jobFor("s1")}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		for i, owner := range []string{"w1", "w2", "w3"} {
			got, err := q.Dequeue(ctx, owner, 30*time.Millisecond)
			if err != nil {
				t.Fatalf("Dequeue by %s: %v", owner, err)
			}
			if got.Attempts != i {
				t.Fatalf("delivery %d: expected %d attempts, got %d", i+1, i, got.Attempts)
			}
		}

		// Nack sets the count to whatever the owner passes.
		got, err := q.Dequeue(ctx, "w4", time.Second)
		if err != nil {
			t.Fatalf("Dequeue by w4: %v", err)
		}
		if got.Attempts != 3 {
			t.Fatalf("expected 3 attempts after three expired leases, got %d", got.Attempts)
		}
		if err := q.Nack(ctx, got.ID, "w4", time.Now(), 4); err != nil {
			t.Fatalf("Nack: %v", err)
		}

		again, err := q.Dequeue(ctx, "w5", time.Second)
		if err != nil {
			t.Fatalf("Dequeue after Nack: %v", err)
		}
		if again.Attempts != 4 {
			t.Fatalf("expected the nacked count of 4, got %d", again.Attempts)
		}
		if err := q.Ack(ctx, again.ID, "w5"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("NackReschedulesWithAttempts", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := q.Enqueue(ctx, Task{Job: jobFor("s1")}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.Dequeue(ctx, "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.Attempts != 0 {
			t.Fatalf("expected 0 attempts on first delivery, got %d", got.Attempts)
		}

		retryAt := time.Now().Add(100 * time.Millisecond)
		if err := q.Nack(ctx, got.ID, "w1", retryAt, 1); err != nil {
			t.Fatalf("Nack: %v", err)
		}
		if err := q.Ack(ctx, got.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost after Nack, got %v", err)
		}

		again, err := q.Dequeue(ctx, "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue after Nack: %v", err)
		}
		if again.ID != got.ID || again.Attempts != 1 {
			t.Fatalf("unexpected redelivery: %+v", again)
		}
		if time.Now().Before(retryAt.Add(-10 * time.Millisecond)) {
			t.Fatalf("nacked task delivered before its notBefore")
		}
	})

	t.Run("RenewLeaseKeepsTask", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{Job: jobFor("s1")}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.Dequeue(ctx, "w1", 80*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		for i := 0; i < 3; i++ {
			time.Sleep(40 * time.Millisecond)
			if err := q.RenewLease(ctx, got.ID, "w1", 80*time.Millisecond); err != nil {
				t.Fatalf("RenewLease: %v", err)
			}
		}

		if err := q.RenewLease(ctx, got.ID, "intruder", time.Second); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for a foreign owner, got %v", err)
		}

		shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		if _, err := q.Dequeue(shortCtx, "w2", time.Second); err == nil {
			t.Fatalf("leased task must not be delivered to another worker")
		}

		if err := q.Ack(ctx, got.ID, "w1"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("ConcurrentDequeueNoDuplicates", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		const n = 20
		for i := 0; i < n; i++ {
			if err := q.Enqueue(ctx, Task{Job: jobFor("s")}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				for {
					dctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
					tk, err := q.Dequeue(dctx, owner, 5*time.Second)
					cancel()
					if err != nil {
						return
					}
					mu.Lock()
					seen[tk.ID]++
					mu.Unlock()
					_ = q.Ack(ctx, tk.ID, owner)
				}
			}(string(rune('a' + w)))
		}
		wg.Wait()

		if len(seen) != n {
			t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
		}
		for id, c := range seen {
			if c != 1 {
				t.Fatalf("task %s delivered %d times", id, c)
			}
		}
	})
}
