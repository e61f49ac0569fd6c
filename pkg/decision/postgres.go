package decision

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

const pgGradingSchema = `
CREATE TABLE IF NOT EXISTS grading_events (
	message_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	project TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	specialist_id TEXT NOT NULL,
	capability TEXT NOT NULL DEFAULT '',
	attempt_no INTEGER NOT NULL,
	decision TEXT NOT NULL,
	raw_score DOUBLE PRECISION NOT NULL,
	calibrated DOUBLE PRECISION NOT NULL,
	reasons JSONB,
	retry_target TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_grading_events_trace ON grading_events (trace_id, attempt_no);
`

// PostgresStore persists grading events with a uniqueness constraint
// on the idempotency key, so duplicate deliveries lose the race at
// the database rather than in process memory.
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
		return nil, fmt.Errorf("decision: open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("decision: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgGradingSchema)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

const gradingColumns = `message_id, trace_id, tenant, project, idempotency_key, specialist_id, capability, attempt_no, decision, raw_score, calibrated, reasons, retry_target, created_at`

func (s *PostgresStore) Insert(ctx context.Context, ev GradingEvent) (*GradingEvent, bool, error) {
	reasons, err := json.Marshal(ev.Reasons)
	if err != nil {
		return nil, false, fmt.Errorf("decision: marshal reasons: %w", err)
	}
	query := `
		INSERT INTO grading_events (` + gradingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		ev.MessageID, ev.TraceID, ev.Tenant, ev.Project, ev.IdempotencyKey,
		ev.SpecialistID, ev.Capability, ev.AttemptNo, string(ev.Decision),
		ev.RawScore, ev.Calibrated, reasons, ev.RetryTarget, ev.CreatedAt)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		return &ev, true, nil
	}

	existing, err := s.GetByIdempotencyKey(ctx, ev.IdempotencyKey)
	if fault.IsCode(err, fault.CodeEventNotFound) {
		// The insert lost to a row holding the same message id under a
		// different key. That is key misuse, not a benign redelivery.
		return nil, false, fault.New(fault.KindDecision, fault.CodeIdempotencyViolation,
			"message %s already graded under a different idempotency key", ev.MessageID)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func scanGradingEvent(scan func(dest ...any) error) (*GradingEvent, error) {
	var ev GradingEvent
	var decision string
	var reasons []byte
	if err := scan(&ev.MessageID, &ev.TraceID, &ev.Tenant, &ev.Project,
		&ev.IdempotencyKey, &ev.SpecialistID, &ev.Capability, &ev.AttemptNo,
		&decision, &ev.RawScore, &ev.Calibrated, &reasons, &ev.RetryTarget,
		&ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Decision = Decision(decision)
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &ev.Reasons); err != nil {
			return nil, fmt.Errorf("decision: unmarshal reasons: %w", err)
		}
	}
	return &ev, nil
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*GradingEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+gradingColumns+` FROM grading_events WHERE idempotency_key = $1`, key)
	ev, err := scanGradingEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindDecision, fault.CodeEventNotFound,
			"no grading event for key %s", key)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) ListByTrace(ctx context.Context, traceID string) ([]GradingEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gradingColumns+` FROM grading_events WHERE trace_id = $1 ORDER BY attempt_no, created_at`,
		traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []GradingEvent
	for rows.Next() {
		ev, err := scanGradingEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
