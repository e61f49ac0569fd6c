package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/testfabric/cmo/pkg/fault"
)

const sqliteCheckpointSchema = `
CREATE TABLE IF NOT EXISTS cmo_runs (
	trace_id TEXT PRIMARY KEY,
	graph_id TEXT NOT NULL,
	graph_version TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	error TEXT NOT NULL DEFAULT '',
	metadata JSON
);

CREATE TABLE IF NOT EXISTS cmo_steps (
	trace_id TEXT NOT NULL REFERENCES cmo_runs(trace_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	state_hash TEXT NOT NULL,
	input_hash TEXT NOT NULL DEFAULT '',
	output_hash TEXT NOT NULL DEFAULT '',
	next_edge TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (trace_id, step_index)
);

CREATE TABLE IF NOT EXISTS cmo_activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL REFERENCES cmo_runs(trace_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	activity_type TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	request_data JSON,
	response_data JSON,
	response_blob_ref TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	UNIQUE (trace_id, step_index, activity_type, request_hash)
);

CREATE TABLE IF NOT EXISTS cmo_graphs (
	graph_id TEXT NOT NULL,
	version TEXT NOT NULL,
	definition JSON,
	created_at TEXT NOT NULL,
	PRIMARY KEY (graph_id, version)
);
`

// SQLiteStore is the embedded-database Store for lite mode and tests
// that need durability without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open SQLite handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLiteStore opens the database at path, creating the file and
// the journal schema when they do not exist yet.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteCheckpointSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteCheckpointSchema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func sqliteTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseSQLiteTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, run Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal run metadata: %w", err)
	}
	var completed any
	if run.CompletedAt != nil {
		completed = sqliteTime(*run.CompletedAt)
	}
	query := `
		INSERT INTO cmo_runs (trace_id, graph_id, graph_version, status, started_at, completed_at, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id) DO UPDATE
		SET status = excluded.status, completed_at = excluded.completed_at,
		    error = excluded.error, metadata = excluded.metadata
	`
	_, err = s.db.ExecContext(ctx, query,
		run.TraceID, run.GraphID, run.GraphVersion, string(run.Status),
		sqliteTime(run.StartedAt), completed, run.Error, string(meta))
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, traceID string) (*Run, error) {
	var run Run
	var status, startedAt string
	var completedAt sql.NullString
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, graph_id, graph_version, status, started_at, completed_at, error, metadata
		FROM cmo_runs WHERE trace_id = ?
	`, traceID).Scan(&run.TraceID, &run.GraphID, &run.GraphVersion, &status,
		&startedAt, &completedAt, &run.Error, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = parseSQLiteTime(startedAt)
	if completedAt.Valid {
		t := parseSQLiteTime(completedAt.String)
		run.CompletedAt = &t
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal run metadata: %w", err)
		}
	}
	return &run, nil
}

func (s *SQLiteStore) SetRunStatus(ctx context.Context, traceID string, status RunStatus, completedAt *time.Time, errMsg string) error {
	var completed any
	if completedAt != nil {
		completed = sqliteTime(*completedAt)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cmo_runs SET status = ?, completed_at = ?, error = ? WHERE trace_id = ?`,
		string(status), completed, errMsg, traceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	return nil
}

func (s *SQLiteStore) UpsertStep(ctx context.Context, step Step) error {
	query := `
		INSERT INTO cmo_steps (trace_id, step_index, node_id, state_hash, input_hash, output_hash, next_edge, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trace_id, step_index) DO UPDATE
		SET node_id = excluded.node_id, state_hash = excluded.state_hash,
		    input_hash = excluded.input_hash, output_hash = excluded.output_hash,
		    next_edge = excluded.next_edge, started_at = excluded.started_at,
		    duration_ms = excluded.duration_ms, error = excluded.error
	`
	_, err := s.db.ExecContext(ctx, query,
		step.TraceID, step.StepIndex, step.NodeID, step.StateHash,
		step.InputHash, step.OutputHash, step.NextEdge,
		sqliteTime(step.StartedAt), step.DurationMS, step.Error)
	return err
}

func (s *SQLiteStore) scanStepRow(scan func(dest ...any) error) (*Step, error) {
	var step Step
	var startedAt string
	if err := scan(&step.TraceID, &step.StepIndex, &step.NodeID, &step.StateHash,
		&step.InputHash, &step.OutputHash, &step.NextEdge,
		&startedAt, &step.DurationMS, &step.Error); err != nil {
		return nil, err
	}
	step.StartedAt = parseSQLiteTime(startedAt)
	return &step, nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, traceID string, stepIndex int) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, step_index, node_id, state_hash, input_hash, output_hash, next_edge, started_at, duration_ms, error
		FROM cmo_steps WHERE trace_id = ? AND step_index = ?
	`, traceID, stepIndex)
	step, err := s.scanStepRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeStepNotFound,
			"no step %d for trace %s", stepIndex, traceID)
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, traceID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, node_id, state_hash, input_hash, output_hash, next_edge, started_at, duration_ms, error
		FROM cmo_steps WHERE trace_id = ? ORDER BY step_index
	`, traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		step, err := s.scanStepRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertActivity(ctx context.Context, act Activity) (bool, error) {
	query := `
		INSERT OR IGNORE INTO cmo_activities (trace_id, step_index, activity_type, request_hash, request_data, response_data, response_blob_ref, recorded_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var req, resp any
	if len(act.RequestData) > 0 {
		req = string(act.RequestData)
	}
	if len(act.ResponseData) > 0 {
		resp = string(act.ResponseData)
	}
	res, err := s.db.ExecContext(ctx, query,
		act.TraceID, act.StepIndex, string(act.Type), act.RequestHash,
		req, resp, act.ResponseBlobRef, sqliteTime(act.RecordedAt), act.DurationMS, act.Error)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) scanActivityRow(scan func(dest ...any) error) (*Activity, error) {
	var act Activity
	var actType, recordedAt string
	var req, resp sql.NullString
	if err := scan(&act.TraceID, &act.StepIndex, &actType, &act.RequestHash,
		&req, &resp, &act.ResponseBlobRef,
		&recordedAt, &act.DurationMS, &act.Error); err != nil {
		return nil, err
	}
	act.Type = ActivityType(actType)
	act.RecordedAt = parseSQLiteTime(recordedAt)
	if req.Valid {
		act.RequestData = json.RawMessage(req.String)
	}
	if resp.Valid {
		act.ResponseData = json.RawMessage(resp.String)
	}
	return &act, nil
}

func (s *SQLiteStore) ListActivities(ctx context.Context, traceID string, stepIndex int) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, activity_type, request_hash, request_data, response_data, response_blob_ref, recorded_at, duration_ms, error
		FROM cmo_activities WHERE trace_id = ? AND step_index = ? ORDER BY id
	`, traceID, stepIndex)
	if err != nil {
		return nil, err
	}
	return s.collectActivityRows(rows)
}

func (s *SQLiteStore) ListRunActivities(ctx context.Context, traceID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, step_index, activity_type, request_hash, request_data, response_data, response_blob_ref, recorded_at, duration_ms, error
		FROM cmo_activities WHERE trace_id = ? ORDER BY step_index, id
	`, traceID)
	if err != nil {
		return nil, err
	}
	return s.collectActivityRows(rows)
}

func (s *SQLiteStore) collectActivityRows(rows *sql.Rows) ([]Activity, error) {
	defer func() { _ = rows.Close() }()
	var out []Activity
	for rows.Next() {
		act, err := s.scanActivityRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *act)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutGraph(ctx context.Context, g Graph) error {
	var def any
	if len(g.Definition) > 0 {
		def = string(g.Definition)
	}
	query := `
		INSERT INTO cmo_graphs (graph_id, version, definition, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (graph_id, version) DO UPDATE SET definition = excluded.definition
	`
	_, err := s.db.ExecContext(ctx, query, g.GraphID, g.Version, def, sqliteTime(g.CreatedAt))
	return err
}

func (s *SQLiteStore) GetGraph(ctx context.Context, graphID, version string) (*Graph, error) {
	var g Graph
	var def sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT graph_id, version, definition, created_at FROM cmo_graphs WHERE graph_id = ? AND version = ?`,
		graphID, version).Scan(&g.GraphID, &g.Version, &def, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no graph %s@%s", graphID, version)
	}
	if err != nil {
		return nil, err
	}
	if def.Valid {
		g.Definition = json.RawMessage(def.String)
	}
	g.CreatedAt = parseSQLiteTime(createdAt)
	return &g, nil
}

func (s *SQLiteStore) Summarize(ctx context.Context, traceID string) (*Summary, error) {
	run, err := s.GetRun(ctx, traceID)
	if err != nil {
		return nil, err
	}
	sum := Summary{
		TraceID:     run.TraceID,
		GraphID:     run.GraphID,
		Status:      run.Status,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(step_index), -1) FROM cmo_steps WHERE trace_id = ?
	`, traceID).Scan(&sum.StepCount, &sum.LastStepIndex)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cmo_activities WHERE trace_id = ?`, traceID).Scan(&sum.ActivityCount)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	// SQLite only honors ON DELETE CASCADE on connections that have
	// foreign_keys enabled, which the pool cannot guarantee. Delete
	// children explicitly so retention works on any connection.
	const expired = `
		SELECT trace_id FROM cmo_runs
		WHERE status IN ('completed', 'failed', 'timeout', 'aborted')
		  AND COALESCE(completed_at, started_at) < ?`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cut := sqliteTime(cutoff)
	if _, err := tx.ExecContext(ctx, `DELETE FROM cmo_activities WHERE trace_id IN (`+expired+`)`, cut); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cmo_steps WHERE trace_id IN (`+expired+`)`, cut); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM cmo_runs
		WHERE status IN ('completed', 'failed', 'timeout', 'aborted')
		  AND COALESCE(completed_at, started_at) < ?
	`, cut)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}
