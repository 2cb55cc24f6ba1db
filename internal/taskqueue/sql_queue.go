package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLQueue is a persistent Queue backed by a relational database. Several
// named queues may share one table.
//
// Leases are claimed with a single UPDATE ... RETURNING statement so that
// concurrent consumers never receive the same task while its lease is live.
// A claim that takes over an expired lease also bumps the attempt count.
type SQLQueue struct {
	db           *sql.DB
	name         string
	numbered     bool
	lockClause   string
	pollInterval time.Duration
	now          func() time.Time
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

const queueSchema = `
	CREATE TABLE IF NOT EXISTS queue_tasks (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at BIGINT NOT NULL,
		not_before BIGINT NOT NULL,
		attempts INTEGER NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_until BIGINT NOT NULL DEFAULT 0
	)`

const queueIndex = `CREATE INDEX IF NOT EXISTS queue_tasks_ready_idx ON queue_tasks (queue, not_before)`

// NewSQLiteQueue initializes the tasks table in the given SQLite database and
// returns the queue with the given name.
func NewSQLiteQueue(db *sql.DB, name string) (*SQLQueue, error) {
	return newSQLQueue(db, name, false, "")
}

// NewPostgresQueue initializes the tasks table in the given PostgreSQL
// database and returns the queue with the given name. Claims use
// FOR UPDATE SKIP LOCKED.
func NewPostgresQueue(db *sql.DB, name string) (*SQLQueue, error) {
	return newSQLQueue(db, name, true, "FOR UPDATE SKIP LOCKED")
}

func newSQLQueue(db *sql.DB, name string, numbered bool, lockClause string) (*SQLQueue, error) {
	if name == "" {
		name = DefaultQueueName
	}
	q := &SQLQueue{
		db:           db,
		name:         name,
		numbered:     numbered,
		lockClause:   lockClause,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
	for _, stmt := range []string{queueSchema, queueIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("init queue schema: %w", err)
		}
	}
	return q, nil
}

func (q *SQLQueue) rebind(query string) string {
	if !q.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.now())
	payload, err := encodeJob(t.Job)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO queue_tasks (id, queue, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?)`),
		t.ID, q.name, string(payload), t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(), t.Attempts,
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task, err := q.claim(ctx, owner, leaseTTL)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		// Nothing available: sleep a bit and retry.
		if err := waitOrDone(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *SQLQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := q.now()
	nowNanos := now.UnixNano()

	var (
		t          Task
		payload    string
		enqueuedAt int64
		notBefore  int64
	)
	err := q.db.QueryRowContext(ctx, q.rebind(`
		UPDATE queue_tasks SET lease_owner = ?, lease_until = ?,
			attempts = attempts + CASE WHEN lease_owner <> '' THEN 1 ELSE 0 END
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE queue = ? AND not_before <= ? AND (lease_owner = '' OR lease_until < ?)
			ORDER BY not_before, enqueued_at, id
			LIMIT 1 `+q.lockClause+`
		)
		RETURNING id, payload, enqueued_at, not_before, attempts`),
		owner, now.Add(leaseTTL).UnixNano(), q.name, nowNanos, nowNanos,
	).Scan(&t.ID, &payload, &enqueuedAt, &notBefore, &t.Attempts)
	if err != nil {
		return nil, err
	}

	job, err := decodeJob([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", t.ID, err)
	}
	t.Job = job
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

func (q *SQLQueue) leased(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, q.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.leased(ctx, `
		DELETE FROM queue_tasks WHERE id = ? AND lease_owner = ? AND lease_until >= ?`,
		taskID, owner, q.now().UnixNano(),
	)
}

func (q *SQLQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.leased(ctx, `
		UPDATE queue_tasks SET not_before = ?, attempts = ?, lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ? AND lease_until >= ?`,
		notBefore.UnixNano(), attempts, taskID, owner, q.now().UnixNano(),
	)
}

func (q *SQLQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	now := q.now()
	return q.leased(ctx, `
		UPDATE queue_tasks SET lease_until = ?
		WHERE id = ? AND lease_owner = ? AND lease_until >= ?`,
		now.Add(leaseTTL).UnixNano(), taskID, owner, now.UnixNano(),
	)
}

func (q *SQLQueue) Len() int {
	var n int
	err := q.db.QueryRow(q.rebind(`SELECT COUNT(*) FROM queue_tasks WHERE queue = ?`), q.name).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
