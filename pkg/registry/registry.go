// Package registry tracks the agents on the fabric: who is alive, what
// they can do, and which topics they touch. Liveness is lease-based;
// agents that stop heartbeating expire and are reaped.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Status is the agent lifecycle state.
type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnavailable Status = "UNAVAILABLE"
)

// ValidStatus reports whether s is a recognized lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusDegraded, StatusUnavailable:
		return true
	}
	return false
}

// DefaultLease is how long a registration stays live without a
// heartbeat.
const DefaultLease = 60 * time.Second

// Agent is one registered participant.
type Agent struct {
	AgentID       string            `json:"agent_id"`
	Version       string            `json:"version,omitempty"`
	Tenant        string            `json:"tenant"`
	Project       string            `json:"project"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	LeaseUntil    time.Time         `json:"lease_until"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// HasCapability reports whether the agent lists the capability.
func (a Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// TopicRole is the direction of a topic subscription.
type TopicRole string

const (
	RolePublisher  TopicRole = "publisher"
	RoleSubscriber TopicRole = "subscriber"
	RoleBoth       TopicRole = "both"
)

// ValidRole reports whether r is a recognized subscription role.
func ValidRole(r TopicRole) bool {
	return r == RolePublisher || r == RoleSubscriber || r == RoleBoth
}

// TopicSubscription binds an agent to a topic in one role. The triple
// is unique.
type TopicSubscription struct {
	AgentID string    `json:"agent_id"`
	Topic   string    `json:"topic"`
	Role    TopicRole `json:"role"`
}

// DiscoverQuery filters live agents.
type DiscoverQuery struct {
	Tenant  string
	Project string
	// Capability, when set, keeps only agents listing it.
	Capability string
	// Statuses defaults to {HEALTHY, DEGRADED}.
	Statuses []Status
	// VersionConstraint is an optional semver range, e.g. ">= 1.2".
	VersionConstraint string
}

// Store persists agent records. Implementations: memory, Postgres.
type Store interface {
	// Init prepares schema where the backend needs it.
	Init(ctx context.Context) error
	// UpsertAgent inserts or fully replaces the record.
	UpsertAgent(ctx context.Context, a Agent) error
	// GetAgent returns registry/agent_not_found for unknown ids.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	// ExtendLease updates status and heartbeat time and extends the
	// lease monotonically: an earlier leaseUntil never shortens it.
	ExtendLease(ctx context.Context, agentID string, status Status, heartbeatAt, leaseUntil time.Time) error
	// SetStatus transitions the agent's status.
	SetStatus(ctx context.Context, agentID string, status Status, at time.Time) error
	// ListAgents returns agents in tenant/project with live leases
	// (lease_until > now) and one of the given statuses.
	ListAgents(ctx context.Context, tenant, project string, statuses []Status, now time.Time) ([]Agent, error)
	// AddTopic records a subscription; duplicates fail with
	// registry/duplicate_topic_sub.
	AddTopic(ctx context.Context, sub TopicSubscription) error
	// RemoveTopic drops a subscription; unknown tuples are a no-op.
	RemoveTopic(ctx context.Context, sub TopicSubscription) error
	// ListTopics returns the agent's subscriptions.
	ListTopics(ctx context.Context, agentID string) ([]TopicSubscription, error)
	// MarkExpired transitions every agent with lease_until < now and
	// status != UNAVAILABLE, returning the transitioned ids.
	MarkExpired(ctx context.Context, now time.Time) ([]string, error)
	// DeleteInactive removes UNAVAILABLE agents untouched since before.
	DeleteInactive(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Registry is the lease manager over a Store.
type Registry struct {
	store  Store
	lease  time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// Option adjusts a Registry.
type Option func(*Registry)

// WithLease overrides the default lease duration.
func WithLease(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithClock pins the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates a Registry with the default 60s lease.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		lease:  DefaultLease,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lease returns the configured lease duration.
func (r *Registry) Lease() time.Duration { return r.lease }

// Register upserts the agent with status STARTING and a fresh lease.
// lease <= 0 uses the registry default.
func (r *Registry) Register(ctx context.Context, a Agent, lease time.Duration) (*Agent, error) {
	if a.AgentID == "" {
		return nil, fmt.Errorf("register: empty agent_id")
	}
	if lease <= 0 {
		lease = r.lease
	}
	now := r.clock().UTC()
	a.Status = StatusStarting
	a.LastHeartbeat = now
	a.LeaseUntil = now.Add(lease)
	a.UpdatedAt = now
	if err := r.store.UpsertAgent(ctx, a); err != nil {
		return nil, err
	}
	r.logger.Info("agent registered",
		"agent_id", a.AgentID,
		"tenant", a.Tenant,
		"project", a.Project,
		"lease_until", a.LeaseUntil)
	return &a, nil
}

// Heartbeat extends the lease and updates status. The lease never
// shortens: a late-arriving heartbeat cannot pull lease_until backward.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status Status) (*Agent, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("heartbeat %s: unknown status %q", agentID, status)
	}
	now := r.clock().UTC()
	if err := r.store.ExtendLease(ctx, agentID, status, now, now.Add(r.lease)); err != nil {
		return nil, err
	}
	return r.store.GetAgent(ctx, agentID)
}

// Discover lists agents with live leases matching the query. Statuses
// default to {HEALTHY, DEGRADED}; capability and semver constraints
// filter further.
func (r *Registry) Discover(ctx context.Context, q DiscoverQuery) ([]Agent, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusHealthy, StatusDegraded}
	}
	agents, err := r.store.ListAgents(ctx, q.Tenant, q.Project, statuses, r.clock().UTC())
	if err != nil {
		return nil, err
	}
	var constraint *semver.Constraints
	if q.VersionConstraint != "" {
		constraint, err = semver.NewConstraint(q.VersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("discover: bad version constraint %q: %w", q.VersionConstraint, err)
		}
	}
	out := agents[:0]
	for _, a := range agents {
		if q.Capability != "" && !a.HasCapability(q.Capability) {
			continue
		}
		if constraint != nil {
			v, err := semver.NewVersion(a.Version)
			if err != nil || !constraint.Check(v) {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// MarkUnavailable transitions the agent to UNAVAILABLE.
func (r *Registry) MarkUnavailable(ctx context.Context, agentID string) error {
	return r.store.SetStatus(ctx, agentID, StatusUnavailable, r.clock().UTC())
}

// SubscribeTopic records the agent's interest in a topic.
func (r *Registry) SubscribeTopic(ctx context.Context, agentID, topicName string, role TopicRole) error {
	if !ValidRole(role) {
		return fmt.Errorf("subscribe %s to %s: unknown role %q", agentID, topicName, role)
	}
	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		return err
	}
	return r.store.AddTopic(ctx, TopicSubscription{AgentID: agentID, Topic: topicName, Role: role})
}

// UnsubscribeTopic removes the subscription tuple.
func (r *Registry) UnsubscribeTopic(ctx context.Context, agentID, topicName string, role TopicRole) error {
	return r.store.RemoveTopic(ctx, TopicSubscription{AgentID: agentID, Topic: topicName, Role: role})
}

// Topics lists the agent's subscriptions.
func (r *Registry) Topics(ctx context.Context, agentID string) ([]TopicSubscription, error) {
	return r.store.ListTopics(ctx, agentID)
}

// MarkExpiredAgents reaps expired leases, returning the transitioned
// agent ids (count = len).
func (r *Registry) MarkExpiredAgents(ctx context.Context) ([]string, error) {
	ids, err := r.store.MarkExpired(ctx, r.clock().UTC())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.logger.Warn("expired agents marked unavailable", "count", len(ids), "agent_ids", ids)
	}
	return ids, nil
}

// CleanupInactiveAgents deletes UNAVAILABLE agents untouched for the
// given number of days.
func (r *Registry) CleanupInactiveAgents(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	before := r.clock().UTC().AddDate(0, 0, -days)
	n, err := r.store.DeleteInactive(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("inactive agents removed", "count", n, "inactive_days", days)
	}
	return n, nil
}

// Close releases the underlying store.
func (r *Registry) Close() error { return r.store.Close() }
