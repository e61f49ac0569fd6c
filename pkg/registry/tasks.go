package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/testfabric/cmo/pkg/envelope"
)

// DefaultReaperInterval is how often expired leases are swept.
const DefaultReaperInterval = 10 * time.Second

// Reaper sweeps expired leases on an interval and emits the reaped
// agent ids on a channel for interested consumers (dispatch rebalance,
// alerting).
type Reaper struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	expired chan string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a stopped reaper; interval <= 0 uses the default.
func NewReaper(reg *Registry, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: reg,
		interval: interval,
		logger:   logger,
		expired:  make(chan string, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Expired streams the ids of agents the reaper transitioned to
// UNAVAILABLE. The channel is buffered; ids overflow to the log when no
// one drains it.
func (r *Reaper) Expired() <-chan string { return r.expired }

// Start runs the sweep loop until Stop or context cancellation.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reaper) sweep(ctx context.Context) {
	ids, err := r.registry.MarkExpiredAgents(ctx)
	if err != nil {
		r.logger.Error("reaper sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		select {
		case r.expired <- id:
		default:
			r.logger.Warn("expired-agent channel full, dropping notification", "agent_id", id)
		}
	}
}

// Stop halts the loop and waits for it to exit.
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// HeartbeatPublisher is the envelope sink the heartbeat task publishes
// through; pkg/bus's Publisher satisfies it.
type HeartbeatPublisher interface {
	PublishHeartbeat(ctx context.Context, tenant, project string, hb envelope.HeartbeatPayload) (string, error)
}

// HeartbeatTask keeps this process's agent lease alive and mirrors each
// beat onto the registry heartbeats topic for observability.
type HeartbeatTask struct {
	registry *Registry
	pub      HeartbeatPublisher
	agentID  string
	tenant   string
	project  string
	interval time.Duration
	status   func() Status
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// HeartbeatConfig wires a HeartbeatTask.
type HeartbeatConfig struct {
	AgentID string
	Tenant  string
	Project string
	// Interval defaults to a third of the registry lease.
	Interval time.Duration
	// Status supplies the reported state, default HEALTHY.
	Status func() Status
	Logger *slog.Logger
}

// NewHeartbeatTask creates a stopped heartbeat task.
func NewHeartbeatTask(reg *Registry, pub HeartbeatPublisher, cfg HeartbeatConfig) *HeartbeatTask {
	interval := cfg.Interval
	if interval <= 0 {
		interval = reg.Lease() / 3
	}
	status := cfg.Status
	if status == nil {
		status = func() Status { return StatusHealthy }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatTask{
		registry: reg,
		pub:      pub,
		agentID:  cfg.AgentID,
		tenant:   cfg.Tenant,
		project:  cfg.Project,
		interval: interval,
		status:   status,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start beats immediately, then on the interval, until Stop or context
// cancellation.
func (t *HeartbeatTask) Start(ctx context.Context) {
	go func() {
		defer close(t.doneCh)
		t.beat(ctx)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.beat(ctx)
			}
		}
	}()
}

func (t *HeartbeatTask) beat(ctx context.Context) {
	status := t.status()
	agent, err := t.registry.Heartbeat(ctx, t.agentID, status)
	if err != nil {
		t.logger.Error("heartbeat failed", "agent_id", t.agentID, "error", err)
		return
	}
	if t.pub == nil {
		return
	}
	hb := envelope.HeartbeatPayload{
		AgentID:      agent.AgentID,
		Status:       string(agent.Status),
		Capabilities: agent.Capabilities,
		LeaseUntil:   envelope.FormatTimestamp(agent.LeaseUntil),
	}
	if _, err := t.pub.PublishHeartbeat(ctx, t.tenant, t.project, hb); err != nil {
		t.logger.Warn("heartbeat publish failed", "agent_id", t.agentID, "error", err)
	}
}

// Stop halts the loop and waits for it to exit.
func (t *HeartbeatTask) Stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	<-t.doneCh
}
