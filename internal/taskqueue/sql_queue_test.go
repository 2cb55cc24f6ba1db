package taskqueue

import (
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowline/internal/testutil"
)

func newTestSQLiteQueue(t *testing.T) *SQLQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewSQLiteQueue(db, "")
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func TestSQLiteQueue(t *testing.T) {
	runQueueConformance(t, func(t *testing.T) Queue {
		return newTestSQLiteQueue(t)
	})
}

func TestSQLiteQueue_NamedQueuesAreIsolated(t *testing.T) {
	a := newTestSQLiteQueue(t)
	b, err := NewSQLiteQueue(a.db, "slack")
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}

	if err := a.Enqueue(t.Context(), Task{Job: jobFor("s1")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if a.Len() != 1 || b.Len() != 0 {
		t.Fatalf("expected lengths 1/0, got %d/%d", a.Len(), b.Len())
	}
}

func TestPostgresQueue(t *testing.T) {
	dsn := testutil.PostgresDSN(t)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	runQueueConformance(t, func(t *testing.T) Queue {
		// A fresh queue name per subtest keeps them from seeing each other's tasks.
		q, err := NewPostgresQueue(db, "test-"+uuid.NewString())
		if err != nil {
			t.Fatalf("NewPostgresQueue failed: %v", err)
		}
		return q
	})
}

func TestSQLQueue_Rebind(t *testing.T) {
	q := &SQLQueue{numbered: true}
	if got := q.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %q", got)
	}
}
