package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLStore is the shared database/sql-backed Store implementation for all
// three SQL dialects. Opening a connection pool, running migrations once at
// construction, and the CRUD operations below are grounded on the teacher's
// SQLiteStore[S] (graph/store/sqlite.go): same "open, pragma/configure,
// CREATE TABLE IF NOT EXISTS, return" shape, generalized across dialects
// instead of duplicated per dialect the way the teacher duplicates
// sqlite.go/mysql.go almost verbatim.
//
// Postgres is reached through jackc/pgx/v5's database/sql compatibility
// layer (internal/store/postgres.go opens it with stdlib.OpenDB from a
// parsed pgx config), which is why one implementation can serve all three
// backends: all three ultimately speak database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect

	// writeMu serializes claim/complete transactions for SQLite, which
	// allows only one writer connection at a time (SetMaxOpenConns(1), same
	// as the teacher's SQLiteStore). MySQL and Postgres rely on the
	// database's own row locking (SELECT ... FOR UPDATE) instead.
	writeMu *sync.Mutex
}

func newSQLStore(db *sql.DB, d dialect, serializeWrites bool) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if serializeWrites {
		s.writeMu = &sync.Mutex{}
	}

	ctx := context.Background()
	for _, stmt := range d.migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: migration failed (%s): %w", d.name, err)
		}
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
	if s.d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) lock() {
	if s.writeMu != nil {
		s.writeMu.Lock()
	}
}

func (s *SQLStore) unlock() {
	if s.writeMu != nil {
		s.writeMu.Unlock()
	}
}

func (s *SQLStore) CreateExecution(ctx context.Context, ref GraphRef, nodeNames []string) (Execution, error) {
	s.lock()
	defer s.unlock()

	exec := Execution{ID: uuid.NewString(), GraphRef: ref, Revision: 1}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Execution{}, fmt.Errorf("store: begin create_execution: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO executions (id, graph_name, graph_version, revision, archived_at) VALUES (?, ?, ?, ?, NULL)`,
	), exec.ID, ref.Name, ref.Version, exec.Revision)
	if err != nil {
		return Execution{}, fmt.Errorf("store: insert execution: %w", err)
	}

	now := time.Now().UTC()
	for _, name := range nodeNames {
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO node_instances (execution_id, node_name, is_set, payload, set_revision, set_time) VALUES (?, ?, 0, NULL, 0, ?)`,
		), exec.ID, name, now)
		if err != nil {
			return Execution{}, fmt.Errorf("store: seed node_instances: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Execution{}, fmt.Errorf("store: commit create_execution: %w", err)
	}
	return exec, nil
}

func (s *SQLStore) LoadExecution(ctx context.Context, id string) (ExecutionSnapshot, error) {
	var snap ExecutionSnapshot
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, graph_name, graph_version, revision, archived_at FROM executions WHERE id = ?`,
	), id)

	var archivedAt sql.NullTime
	if err := row.Scan(&snap.Execution.ID, &snap.Execution.GraphRef.Name, &snap.Execution.GraphRef.Version, &snap.Execution.Revision, &archivedAt); err != nil {
		if err == sql.ErrNoRows {
			return ExecutionSnapshot{}, ErrNotFound
		}
		return ExecutionSnapshot{}, fmt.Errorf("store: load execution: %w", err)
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		snap.Execution.ArchivedAt = &t
	}

	snap.Nodes = make(map[string]NodeValue)
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT node_name, is_set, payload, set_revision, set_time FROM node_instances WHERE execution_id = ?`,
	), id)
	if err != nil {
		return ExecutionSnapshot{}, fmt.Errorf("store: load node_instances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nv NodeValue
		var isSet int
		var setTime sql.NullTime
		if err := rows.Scan(&nv.NodeName, &isSet, &nv.Payload, &nv.SetRevision, &setTime); err != nil {
			return ExecutionSnapshot{}, fmt.Errorf("store: scan node_instance: %w", err)
		}
		nv.Set = isSet != 0
		if setTime.Valid {
			nv.SetTime = setTime.Time
		}
		snap.Nodes[nv.NodeName] = nv
	}
	if err := rows.Err(); err != nil {
		return ExecutionSnapshot{}, err
	}

	snap.LatestComputations, err = s.latestComputations(ctx, id)
	if err != nil {
		return ExecutionSnapshot{}, err
	}
	return snap, nil
}

// latestComputations returns, per node, the most recent Computation row by
// started_at — used by LoadExecution to fill the snapshot the readiness
// evaluator reads.
func (s *SQLStore) latestComputations(ctx context.Context, executionID string) (map[string]Computation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, execution_id, node_name, state, attempt_index, started_at, deadline,
		       completed_at, ex_revision_at_start, upstream_revisions_json, result_payload, error_payload
		FROM computations
		WHERE execution_id = ?
		ORDER BY started_at ASC
	`), executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list computations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Computation)
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out[c.NodeName] = c // later rows overwrite, started_at ASC keeps the latest
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanComputation(row scannable) (Computation, error) {
	var c Computation
	var deadline, completedAt sql.NullTime
	var upstreamJSON []byte
	if err := row.Scan(&c.ID, &c.ExecutionID, &c.NodeName, &c.State, &c.AttemptIndex, &c.StartedAt, &deadline,
		&completedAt, &c.ExRevisionAtStart, &upstreamJSON, &c.ResultPayload, &c.ErrorPayload); err != nil {
		return Computation{}, fmt.Errorf("store: scan computation: %w", err)
	}
	if deadline.Valid {
		c.Deadline = deadline.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		c.CompletedAt = &t
	}
	if len(upstreamJSON) > 0 {
		if err := json.Unmarshal(upstreamJSON, &c.UpstreamRevisions); err != nil {
			return Computation{}, fmt.Errorf("store: decode upstream_revisions: %w", err)
		}
	}
	return c, nil
}

func (s *SQLStore) WriteValue(ctx context.Context, executionID, nodeName string, payload []byte) (int64, error) {
	s.lock()
	defer s.unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin write_value: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rev, archived, err := s.lockExecution(ctx, tx, executionID)
	if err != nil {
		return 0, err
	}
	if archived {
		return 0, ErrExecutionArchived
	}
	newRev := rev + 1
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE node_instances SET is_set = 1, payload = ?, set_revision = ?, set_time = ? WHERE execution_id = ? AND node_name = ?`,
	), payload, newRev, now, executionID, nodeName); err != nil {
		return 0, fmt.Errorf("store: update node_instance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE executions SET revision = ? WHERE id = ?`,
	), newRev, executionID); err != nil {
		return 0, fmt.Errorf("store: bump revision: %w", err)
	}
	if err := s.appendAudit(ctx, tx, executionID, nodeName, "write_value", newRev, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit write_value: %w", err)
	}
	return newRev, nil
}

// lockExecution reads revision/archived_at, taking the dialect's row lock
// when it has one (Postgres/MySQL FOR UPDATE); SQLite relies on writeMu plus
// single-writer WAL mode instead.
func (s *SQLStore) lockExecution(ctx context.Context, tx *sql.Tx, executionID string) (revision int64, archived bool, err error) {
	query := `SELECT revision, archived_at FROM executions WHERE id = ?`
	if s.d.lockSuffix != "" {
		query += " " + s.d.lockSuffix
	}
	row := tx.QueryRowContext(ctx, s.rebind(query), executionID)
	var archivedAt sql.NullTime
	if err := row.Scan(&revision, &archivedAt); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("store: lock execution: %w", err)
	}
	return revision, archivedAt.Valid, nil
}

func (s *SQLStore) appendAudit(ctx context.Context, tx *sql.Tx, executionID, nodeName, kind string, revision int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_log (id, execution_id, node_name, kind, revision, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	), uuid.NewString(), executionID, nodeName, kind, revision, at)
	if err != nil {
		return fmt.Errorf("store: append audit_log: %w", err)
	}
	return nil
}

func (s *SQLStore) ClaimComputation(ctx context.Context, req ClaimRequest) (Computation, error) {
	s.lock()
	defer s.unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Computation{}, fmt.Errorf("store: begin claim_computation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rev, archived, err := s.lockExecution(ctx, tx, req.ExecutionID)
	if err != nil {
		return Computation{}, err
	}
	if archived {
		return Computation{}, ErrExecutionArchived
	}
	if rev != req.ExRevSeen {
		return Computation{}, ErrConflict
	}

	now := time.Now().UTC()
	comp := Computation{
		ID:                uuid.NewString(),
		ExecutionID:       req.ExecutionID,
		NodeName:          req.NodeName,
		State:             CompComputing,
		AttemptIndex:      req.AttemptIndex,
		StartedAt:         now,
		Deadline:          req.Deadline,
		ExRevisionAtStart: req.ExRevSeen,
		UpstreamRevisions: req.UpstreamRevisions,
	}
	upstreamJSON, err := json.Marshal(comp.UpstreamRevisions)
	if err != nil {
		return Computation{}, fmt.Errorf("store: encode upstream_revisions: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO computations
			(id, execution_id, node_name, state, attempt_index, started_at, deadline,
			 completed_at, ex_revision_at_start, upstream_revisions_json, result_payload, error_payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, NULL)
	`), comp.ID, comp.ExecutionID, comp.NodeName, comp.State, comp.AttemptIndex, comp.StartedAt, comp.Deadline,
		comp.ExRevisionAtStart, upstreamJSON)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return Computation{}, ErrConflict
		}
		return Computation{}, fmt.Errorf("store: insert computation: %w", err)
	}

	newRev := rev + 1
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE executions SET revision = ? WHERE id = ?`), newRev, req.ExecutionID); err != nil {
		return Computation{}, fmt.Errorf("store: bump revision on claim: %w", err)
	}
	if err := s.appendAudit(ctx, tx, req.ExecutionID, req.NodeName, "claim", newRev, now); err != nil {
		return Computation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Computation{}, fmt.Errorf("store: commit claim_computation: %w", err)
	}
	return comp, nil
}

func (s *SQLStore) CompleteComputation(ctx context.Context, req CompleteRequest) (int64, error) {
	s.lock()
	defer s.unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin complete_computation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rev, archived, err := s.lockExecution(ctx, tx, req.ExecutionID)
	if err != nil {
		return 0, err
	}
	if archived {
		return 0, ErrExecutionArchived
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE computations SET state = ?, completed_at = ?, result_payload = ?, error_payload = ? WHERE id = ? AND state = ?`,
	), req.Outcome, now, req.ResultPayload, req.ErrorPayload, req.ClaimID, CompComputing)
	if err != nil {
		return 0, fmt.Errorf("store: transition computation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrConflict
	}

	newRev := rev + 1
	targetNode := req.NodeName
	if req.MutatesTarget != "" {
		targetNode = req.MutatesTarget
	}
	if req.Outcome == CompSuccess && !req.SkipValueWrite {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE node_instances SET is_set = 1, payload = ?, set_revision = ?, set_time = ? WHERE execution_id = ? AND node_name = ?`,
		), req.ResultPayload, newRev, now, req.ExecutionID, targetNode); err != nil {
			return 0, fmt.Errorf("store: write result value: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE executions SET revision = ? WHERE id = ?`), newRev, req.ExecutionID); err != nil {
		return 0, fmt.Errorf("store: bump revision on complete: %w", err)
	}
	if err := s.appendAudit(ctx, tx, req.ExecutionID, req.NodeName, "complete:"+string(req.Outcome), newRev, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit complete_computation: %w", err)
	}
	return newRev, nil
}

func (s *SQLStore) ListLiveExecutions(ctx context.Context, cursor string, limit int) ([]Execution, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, graph_name, graph_version, revision, archived_at FROM executions WHERE archived_at IS NULL AND id > ? ORDER BY id ASC LIMIT ?`,
	), cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("store: list live executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var archivedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.GraphRef.Name, &e.GraphRef.Version, &e.Revision, &archivedAt); err != nil {
			return nil, "", fmt.Errorf("store: scan execution: %w", err)
		}
		out = append(out, e)
	}
	next := ""
	if len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (s *SQLStore) ListStaleComputations(ctx context.Context, threshold time.Time) ([]Computation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, execution_id, node_name, state, attempt_index, started_at, deadline,
		       completed_at, ex_revision_at_start, upstream_revisions_json, result_payload, error_payload
		FROM computations
		WHERE state = ? AND deadline < ?
	`), CompComputing, threshold)
	if err != nil {
		return nil, fmt.Errorf("store: list stale computations: %w", err)
	}
	defer rows.Close()

	var out []Computation
	for rows.Next() {
		c, err := scanComputation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Archive(ctx context.Context, executionID string) error {
	s.lock()
	defer s.unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE executions SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
	), time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("store: archive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
