package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowline/pkg/api"
)

// dialect captures the differences between the SQL backends. Queries are
// written with '?' placeholders and rebound for drivers that use $n.
type dialect struct {
	name              string
	numbered          bool
	isUniqueViolation func(error) bool
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is a Store backed by a relational database through database/sql.
//
// Timestamps are stored as unix nanoseconds, booleans as integers and
// structured values as JSON text so that the same schema works on SQLite
// and PostgreSQL.
type SQLStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active INTEGER NOT NULL,
		notification_policy TEXT NOT NULL,
		test_execution_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		step_position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		integration_key TEXT NOT NULL,
		action_key TEXT NOT NULL,
		parameters TEXT,
		branch_depth INTEGER,
		skip_target_step_id TEXT,
		UNIQUE (flow_id, step_position)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		test_run INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS executions_flow_status_idx ON executions (flow_id, status)`,
	`CREATE TABLE IF NOT EXISTS execution_steps (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		output_metadata TEXT,
		error_details TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (execution_id, step_id)
	)`,
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to $1, $2, ... when the dialect needs it.
func (s *SQLStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveFlow(ctx context.Context, flow *api.Flow) error {
	if err := validateFlow(flow); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO flows (id, name, active, notification_policy, test_execution_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			notification_policy = excluded.notification_policy`),
		flow.ID, flow.Name, boolInt(flow.Active), string(flow.NotificationPolicy), flow.TestExecutionID,
	)
	if err != nil {
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM steps WHERE flow_id = ?`), flow.ID); err != nil {
		return fmt.Errorf("save flow %s: %w", flow.ID, err)
	}

	for _, st := range flow.Steps {
		params, err := encodeJSON(st.Parameters)
		if err != nil {
			return err
		}
		var depth sql.NullInt64
		if st.BranchDepth != nil {
			depth = sql.NullInt64{Int64: int64(*st.BranchDepth), Valid: true}
		}
		var skip sql.NullString
		if st.SkipTargetStepID != nil {
			skip = sql.NullString{String: *st.SkipTargetStepID, Valid: true}
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO steps (id, flow_id, step_position, kind, integration_key, action_key, parameters, branch_depth, skip_target_step_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, flow.ID, st.Position, string(st.Kind), st.IntegrationKey, st.ActionKey, params, depth, skip,
		)
		if err != nil {
			return fmt.Errorf("save step %s: %w", st.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) GetFlow(ctx context.Context, id string) (*api.Flow, error) {
	var (
		f      api.Flow
		active int64
		policy string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, active, notification_policy, test_execution_id
		FROM flows WHERE id = ?`), id,
	).Scan(&f.ID, &f.Name, &active, &policy, &f.TestExecutionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Active = active != 0
	f.NotificationPolicy = api.NotificationPolicy(policy)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, flow_id, step_position, kind, integration_key, action_key, parameters, branch_depth, skip_target_step_id
		FROM steps WHERE flow_id = ? ORDER BY step_position`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		f.Steps = append(f.Steps, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, flow_id, step_position, kind, integration_key, action_key, parameters, branch_depth, skip_target_step_id
		FROM steps WHERE id = ?`), id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*api.Step, error) {
	var (
		st     api.Step
		kind   string
		params sql.NullString
		depth  sql.NullInt64
		skip   sql.NullString
	)
	if err := row.Scan(&st.ID, &st.FlowID, &st.Position, &kind, &st.IntegrationKey, &st.ActionKey, &params, &depth, &skip); err != nil {
		return nil, err
	}
	st.Kind = api.StepKind(kind)

	p, err := decodeJSON[map[string]any](params)
	if err != nil {
		return nil, fmt.Errorf("step %s parameters: %w", st.ID, err)
	}
	st.Parameters = p
	if depth.Valid {
		st.BranchDepth = api.IntPtr(int(depth.Int64))
	}
	if skip.Valid {
		st.SkipTargetStepID = api.StringPtr(skip.String)
	}
	return &st, nil
}

func (s *SQLStore) SetTestExecution(ctx context.Context, flowID, executionID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE flows SET test_execution_id = ? WHERE id = ?`), executionID, flowID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *SQLStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = api.ExecutionPending
	}
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO executions (id, flow_id, test_run, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.FlowID, boolInt(exec.TestRun), string(exec.Status), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExecutionExists, exec.ID)
		}
		return err
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now
	return nil
}

const executionColumns = `id, flow_id, test_run, status, created_at, updated_at`

func scanExecution(row rowScanner) (*api.Execution, error) {
	var (
		e         api.Execution
		testRun   int64
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&e.ID, &e.FlowID, &testRun, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.TestRun = testRun != 0
	e.Status = api.ExecutionStatus(status)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return e, err
}

func (s *SQLStore) TransitionExecution(ctx context.Context, id string, to api.ExecutionStatus) error {
	if !to.Terminal() {
		return fmt.Errorf("cannot transition execution to %q", to)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(to), s.now().UTC().UnixNano(), id, string(api.ExecutionPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM executions WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrExecutionNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, current)
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var (
		where []string
		args  []any
	)
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TestRun != nil {
		where = append(where, "test_run = ?")
		args = append(args, boolInt(*filter.TestRun))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLStore) UpsertExecutionStep(ctx context.Context, es *api.ExecutionStep) error {
	if es.ID == "" {
		es.ID = uuid.NewString()
	}
	output, err := encodeJSON(es.Output)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(es.OutputMetadata)
	if err != nil {
		return err
	}
	var details sql.NullString
	if es.ErrorDetails != nil {
		if details, err = encodeJSON(es.ErrorDetails); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	var (
		id        string
		createdAt int64
	)
	err = s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO execution_steps (id, execution_id, step_id, status, output, output_metadata, error_details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			output_metadata = excluded.output_metadata,
			error_details = excluded.error_details,
			updated_at = excluded.updated_at
		RETURNING id, created_at`),
		es.ID, es.ExecutionID, es.StepID, string(es.Status), output, metadata, details, now.UnixNano(), now.UnixNano(),
	).Scan(&id, &createdAt)
	if err != nil {
		return fmt.Errorf("upsert execution step %s/%s: %w", es.ExecutionID, es.StepID, err)
	}

	es.ID = id
	es.CreatedAt = fromNanos(createdAt)
	es.UpdatedAt = now
	return nil
}

const executionStepColumns = `id, execution_id, step_id, status, output, output_metadata, error_details, created_at, updated_at`

func scanExecutionStep(row rowScanner) (*api.ExecutionStep, error) {
	var (
		es        api.ExecutionStep
		status    string
		output    sql.NullString
		metadata  sql.NullString
		details   sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&es.ID, &es.ExecutionID, &es.StepID, &status, &output, &metadata, &details, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	es.Status = api.StepStatus(status)
	es.Output = rawJSON(output)

	md, err := decodeJSON[map[string]any](metadata)
	if err != nil {
		return nil, err
	}
	es.OutputMetadata = md

	if details.Valid {
		d, err := decodeJSON[api.ErrorDetails](details)
		if err != nil {
			return nil, err
		}
		es.ErrorDetails = &d
	}
	es.CreatedAt = fromNanos(createdAt)
	es.UpdatedAt = fromNanos(updatedAt)
	return &es, nil
}

func (s *SQLStore) GetExecutionStep(ctx context.Context, executionID, stepID string) (*api.ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+executionStepColumns+` FROM execution_steps
		WHERE execution_id = ? AND step_id = ?`), executionID, stepID)
	es, err := scanExecutionStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionStepNotFound
	}
	return es, err
}

func (s *SQLStore) ListExecutionSteps(ctx context.Context, executionID string) ([]*api.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+executionStepColumns+` FROM execution_steps
		WHERE execution_id = ? ORDER BY created_at, id`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.ExecutionStep
	for rows.Next() {
		es, err := scanExecutionStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, es)
	}
	return result, rows.Err()
}

func (s *SQLStore) RebindExecutionSteps(ctx context.Context, fromExecutionID, toExecutionID string, exceptStepIDs ...string) (int, error) {
	query := `
		UPDATE execution_steps SET execution_id = ?
		WHERE execution_id = ?
		AND step_id NOT IN (SELECT step_id FROM (SELECT step_id FROM execution_steps WHERE execution_id = ?) AS taken)`
	args := []any{toExecutionID, fromExecutionID, toExecutionID}
	if len(exceptStepIDs) > 0 {
		query += ` AND step_id NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(exceptStepIDs)), ", ") + `)`
		for _, id := range exceptStepIDs {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("rebind execution steps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
