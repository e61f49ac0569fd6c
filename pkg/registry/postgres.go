package registry

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

const pgAgentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	version TEXT NOT NULL DEFAULT '',
	tenant TEXT NOT NULL,
	project TEXT NOT NULL,
	capabilities JSONB NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL,
	lease_until TIMESTAMPTZ NOT NULL,
	metadata JSONB,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_tenant_project ON agents (tenant, project);
CREATE INDEX IF NOT EXISTS idx_agents_lease_until ON agents (lease_until);

CREATE TABLE IF NOT EXISTS agent_topics (
	agent_id TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
	topic TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (agent_id, topic, role)
);

CREATE OR REPLACE VIEW agents_active AS
	SELECT * FROM agents
	WHERE lease_until > now() AND status IN ('HEALTHY', 'DEGRADED');
`

// PostgresStore persists agents with SQL. One row per agent, one row
// per (agent, topic, role) tuple.
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
		return nil, fmt.Errorf("registry: open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgAgentSchema)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) UpsertAgent(ctx context.Context, a Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities: %w", err)
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("registry: marshal metadata: %w", err)
	}
	query := `
		INSERT INTO agents (agent_id, version, tenant, project, capabilities, status, last_heartbeat, lease_until, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (agent_id) DO UPDATE
		SET version = $2, tenant = $3, project = $4, capabilities = $5,
		    status = $6, last_heartbeat = $7, lease_until = $8, metadata = $9, updated_at = $10
	`
	_, err = s.db.ExecContext(ctx, query,
		a.AgentID, a.Version, a.Tenant, a.Project, caps,
		string(a.Status), a.LastHeartbeat, a.LeaseUntil, meta, a.UpdatedAt)
	return err
}

const agentColumns = `agent_id, version, tenant, project, capabilities, status, last_heartbeat, lease_until, metadata, updated_at`

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var caps, meta []byte
	var status string
	if err := scan(&a.AgentID, &a.Version, &a.Tenant, &a.Project, &caps,
		&status, &a.LastHeartbeat, &a.LeaseUntil, &meta, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("registry: unmarshal capabilities: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("registry: unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindRegistry, fault.CodeAgentNotFound,
			"agent %s is not registered", agentID)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) ExtendLease(ctx context.Context, agentID string, status Status, heartbeatAt, leaseUntil time.Time) error {
	query := `
		UPDATE agents
		SET status = $2, last_heartbeat = $3,
		    lease_until = GREATEST(lease_until, $4), updated_at = $3
		WHERE agent_id = $1
	`
	res, err := s.db.ExecContext(ctx, query, agentID, string(status), heartbeatAt, leaseUntil)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindRegistry, fault.CodeAgentNotFound,
			"heartbeat for unregistered agent %s", agentID)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, agentID string, status Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, updated_at = $3 WHERE agent_id = $1`,
		agentID, string(status), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindRegistry, fault.CodeAgentNotFound,
			"agent %s is not registered", agentID)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, tenant, project string, statuses []Status, now time.Time) ([]Agent, error) {
	states, err := json.Marshal(statuses)
	if err != nil {
		return nil, err
	}
	// Status membership rides a JSONB array parameter; placeholder
	// lists stay fixed regardless of how many statuses the query names.
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE tenant = $1 AND project = $2
		  AND lease_until > $3
		  AND status IN (SELECT jsonb_array_elements_text($4::jsonb))
		ORDER BY agent_id
	`
	rows, err := s.db.QueryContext(ctx, query, tenant, project, now, states)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddTopic(ctx context.Context, sub TopicSubscription) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_topics (agent_id, topic, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id, topic, role) DO NOTHING
	`, sub.AgentID, sub.Topic, string(sub.Role))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindRegistry, fault.CodeDuplicateTopicSub,
			"agent %s already subscribed to %s as %s", sub.AgentID, sub.Topic, sub.Role)
	}
	return nil
}

func (s *PostgresStore) RemoveTopic(ctx context.Context, sub TopicSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_topics WHERE agent_id = $1 AND topic = $2 AND role = $3`,
		sub.AgentID, sub.Topic, string(sub.Role))
	return err
}

func (s *PostgresStore) ListTopics(ctx context.Context, agentID string) ([]TopicSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, topic, role FROM agent_topics WHERE agent_id = $1 ORDER BY topic, role`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TopicSubscription
	for rows.Next() {
		var sub TopicSubscription
		var role string
		if err := rows.Scan(&sub.AgentID, &sub.Topic, &role); err != nil {
			return nil, err
		}
		sub.Role = TopicRole(role)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE agents
		SET status = 'UNAVAILABLE', updated_at = $1
		WHERE lease_until < $1 AND status != 'UNAVAILABLE'
		RETURNING agent_id
	`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DeleteInactive(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE status = 'UNAVAILABLE' AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
