package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/testfabric/cmo/pkg/fault"
)

const pgCheckpointSchema = `
CREATE TABLE IF NOT EXISTS cmo_runs (
	trace_id TEXT PRIMARY KEY,
	graph_id TEXT NOT NULL,
	graph_version TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error TEXT NOT NULL DEFAULT '',
	metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_cmo_runs_status ON cmo_runs (status);
CREATE INDEX IF NOT EXISTS idx_cmo_runs_started_at ON cmo_runs (started_at);

CREATE TABLE IF NOT EXISTS cmo_steps (
	trace_id TEXT NOT NULL REFERENCES cmo_runs(trace_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	state_hash TEXT NOT NULL,
	input_hash TEXT NOT NULL DEFAULT '',
	output_hash TEXT NOT NULL DEFAULT '',
	next_edge TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (trace_id, step_index)
);

CREATE TABLE IF NOT EXISTS cmo_activities (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT NOT NULL REFERENCES cmo_runs(trace_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	activity_type TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	request_data JSONB,
	response_data JSONB,
	response_blob_ref TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	UNIQUE (trace_id, step_index, activity_type, request_hash)
);

CREATE INDEX IF NOT EXISTS idx_cmo_activities_trace ON cmo_activities (trace_id, step_index);

CREATE TABLE IF NOT EXISTS cmo_graphs (
	graph_id TEXT NOT NULL,
	version TEXT NOT NULL,
	definition JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (graph_id, version)
);

CREATE OR REPLACE VIEW cmo_execution_summary AS
	SELECT r.trace_id,
	       r.graph_id,
	       r.status,
	       r.started_at,
	       r.completed_at,
	       (SELECT count(*) FROM cmo_steps s WHERE s.trace_id = r.trace_id) AS step_count,
	       (SELECT count(*) FROM cmo_activities a WHERE a.trace_id = r.trace_id) AS activity_count,
	       (SELECT COALESCE(max(s.step_index), -1) FROM cmo_steps s WHERE s.trace_id = r.trace_id) AS last_step_index
	FROM cmo_runs r;
`

// PostgresStore persists the execution journal in Postgres. Steps and
// activities cascade with their run so retention cleanup stays a
// single DELETE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore dials the DSN and applies pool limits.
func OpenPostgresStore(dsn string, maxConns int, connTimeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgCheckpointSchema)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) UpsertRun(ctx context.Context, run Run) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal run metadata: %w", err)
	}
	// Resumes keep the original graph identity and start time.
	query := `
		INSERT INTO cmo_runs (trace_id, graph_id, graph_version, status, started_at, completed_at, error, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trace_id) DO UPDATE
		SET status = $4, completed_at = $6, error = $7, metadata = $8
	`
	_, err = s.db.ExecContext(ctx, query,
		run.TraceID, run.GraphID, run.GraphVersion, string(run.Status),
		run.StartedAt, run.CompletedAt, run.Error, meta)
	return err
}

const runColumns = `trace_id, graph_id, graph_version, status, started_at, completed_at, error, metadata`

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var status string
	var completedAt sql.NullTime
	var meta []byte
	if err := scan(&run.TraceID, &run.GraphID, &run.GraphVersion, &status,
		&run.StartedAt, &completedAt, &run.Error, &meta); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal run metadata: %w", err)
		}
	}
	return &run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, traceID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM cmo_runs WHERE trace_id = $1`, traceID)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) SetRunStatus(ctx context.Context, traceID string, status RunStatus, completedAt *time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cmo_runs SET status = $2, completed_at = $3, error = $4 WHERE trace_id = $1`,
		traceID, string(status), completedAt, errMsg)
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

func (s *PostgresStore) UpsertStep(ctx context.Context, step Step) error {
	query := `
		INSERT INTO cmo_steps (trace_id, step_index, node_id, state_hash, input_hash, output_hash, next_edge, started_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id, step_index) DO UPDATE
		SET node_id = $3, state_hash = $4, input_hash = $5, output_hash = $6,
		    next_edge = $7, started_at = $8, duration_ms = $9, error = $10
	`
	_, err := s.db.ExecContext(ctx, query,
		step.TraceID, step.StepIndex, step.NodeID, step.StateHash,
		step.InputHash, step.OutputHash, step.NextEdge,
		step.StartedAt, step.DurationMS, step.Error)
	return err
}

const stepColumns = `trace_id, step_index, node_id, state_hash, input_hash, output_hash, next_edge, started_at, duration_ms, error`

func scanStep(scan func(dest ...any) error) (*Step, error) {
	var step Step
	if err := scan(&step.TraceID, &step.StepIndex, &step.NodeID, &step.StateHash,
		&step.InputHash, &step.OutputHash, &step.NextEdge,
		&step.StartedAt, &step.DurationMS, &step.Error); err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, traceID string, stepIndex int) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM cmo_steps WHERE trace_id = $1 AND step_index = $2`,
		traceID, stepIndex)
	step, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeStepNotFound,
			"no step %d for trace %s", stepIndex, traceID)
	}
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, traceID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM cmo_steps WHERE trace_id = $1 ORDER BY step_index`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *step)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertActivity(ctx context.Context, act Activity) (bool, error) {
	query := `
		INSERT INTO cmo_activities (trace_id, step_index, activity_type, request_hash, request_data, response_data, response_blob_ref, recorded_at, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trace_id, step_index, activity_type, request_hash) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		act.TraceID, act.StepIndex, string(act.Type), act.RequestHash,
		nullableJSON(act.RequestData), nullableJSON(act.ResponseData),
		act.ResponseBlobRef, act.RecordedAt, act.DurationMS, act.Error)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const activityColumns = `trace_id, step_index, activity_type, request_hash, request_data, response_data, response_blob_ref, recorded_at, duration_ms, error`

func scanActivity(scan func(dest ...any) error) (*Activity, error) {
	var act Activity
	var actType string
	var req, resp []byte
	if err := scan(&act.TraceID, &act.StepIndex, &actType, &act.RequestHash,
		&req, &resp, &act.ResponseBlobRef,
		&act.RecordedAt, &act.DurationMS, &act.Error); err != nil {
		return nil, err
	}
	act.Type = ActivityType(actType)
	act.RequestData = req
	act.ResponseData = resp
	return &act, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, traceID string, stepIndex int) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM cmo_activities WHERE trace_id = $1 AND step_index = $2 ORDER BY id`,
		traceID, stepIndex)
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

func (s *PostgresStore) ListRunActivities(ctx context.Context, traceID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM cmo_activities WHERE trace_id = $1 ORDER BY step_index, id`,
		traceID)
	if err != nil {
		return nil, err
	}
	return collectActivities(rows)
}

func collectActivities(rows *sql.Rows) ([]Activity, error) {
	defer func() { _ = rows.Close() }()
	var out []Activity
	for rows.Next() {
		act, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *act)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutGraph(ctx context.Context, g Graph) error {
	query := `
		INSERT INTO cmo_graphs (graph_id, version, definition, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (graph_id, version) DO UPDATE SET definition = $3
	`
	_, err := s.db.ExecContext(ctx, query,
		g.GraphID, g.Version, nullableJSON(g.Definition), g.CreatedAt)
	return err
}

func (s *PostgresStore) GetGraph(ctx context.Context, graphID, version string) (*Graph, error) {
	var g Graph
	var def []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT graph_id, version, definition, created_at FROM cmo_graphs WHERE graph_id = $1 AND version = $2`,
		graphID, version).Scan(&g.GraphID, &g.Version, &def, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no graph %s@%s", graphID, version)
	}
	if err != nil {
		return nil, err
	}
	g.Definition = def
	return &g, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, traceID string) (*Summary, error) {
	var sum Summary
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT trace_id, graph_id, status, started_at, completed_at, step_count, activity_count, last_step_index
		FROM cmo_execution_summary WHERE trace_id = $1
	`, traceID).Scan(&sum.TraceID, &sum.GraphID, &status, &sum.StartedAt, &completedAt,
		&sum.StepCount, &sum.ActivityCount, &sum.LastStepIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindCheckpoint, fault.CodeRunNotFound,
			"no run for trace %s", traceID)
	}
	if err != nil {
		return nil, err
	}
	sum.Status = RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		sum.CompletedAt = &t
	}
	return &sum, nil
}

func (s *PostgresStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cmo_runs
		WHERE status IN ('completed', 'failed', 'timeout', 'aborted')
		  AND COALESCE(completed_at, started_at) < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// nullableJSON maps empty JSON payloads to NULL so JSONB columns do
// not reject zero-length input.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
