// Package node assembles the orchestrator process: stores, transport,
// security kit, middleware chain, grading loop, registry upkeep, and
// the health surface. cmd/cmo is a thin shell over this package; tests
// run the same wiring against in-memory infrastructure.
package node

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/bus"
	"github.com/testfabric/cmo/pkg/checkpoint"
	"github.com/testfabric/cmo/pkg/config"
	"github.com/testfabric/cmo/pkg/decision"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/middleware"
	"github.com/testfabric/cmo/pkg/observability"
	"github.com/testfabric/cmo/pkg/qscore"
	"github.com/testfabric/cmo/pkg/registry"
	"github.com/testfabric/cmo/pkg/security"
	"github.com/testfabric/cmo/pkg/topic"
	"github.com/testfabric/cmo/pkg/transport"
)

// retentionInterval is how often the maintenance loop sweeps old runs
// and inactive agents.
const retentionInterval = 24 * time.Hour

// healthProbeID is a trace/agent id that must never exist; stores that
// answer "not found" for it are reachable and healthy.
const healthProbeID = "00000000000000000000000000000000"

// blobProbeRef is a syntactically valid reference that no content can
// ever hash to zero bytes short of a SHA-256 break.
const blobProbeRef = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Services is the assembled orchestrator. Fields are exported for the
// daemon and for embedding programs; construction goes through
// NewServices and lifecycle through Start/Shutdown.
type Services struct {
	Config *config.Config
	Logger *slog.Logger

	Keyring     *security.Keyring
	Signer      *security.Signer
	Guard       *security.ReplayGuard
	Tokens      *security.TokenService
	Blobs       blob.Store
	Transport   transport.Transport
	Registry    *registry.Registry
	Checkpoints *checkpoint.Checkpointer
	Grades      decision.Store
	Grader      *qscore.Calculator
	Engine      *decision.Engine
	Publisher   *bus.Publisher
	Dispatcher  *bus.Dispatcher

	obs   *observability.Provider
	clock func() time.Time

	kv     middleware.KV
	policy middleware.PolicyPoint

	registryStore   registry.Store
	checkpointStore checkpoint.Store
	db              *sql.DB
	redisKV         *redis.Client

	heartbeats *registry.HeartbeatTask
	reaper     *registry.Reaper
	health     *Health

	ready atomic.Bool

	mu          sync.Mutex
	watched     map[string][]transport.Subscription
	lastResults map[string]*envelope.TaskResultPayload
	started     bool

	stopCh chan struct{}
	doneCh chan struct{}
}

type options struct {
	transport       transport.Transport
	blobs           blob.Store
	registryStore   registry.Store
	checkpointStore checkpoint.Store
	decisionStore   decision.Store
	kv              middleware.KV
	policy          middleware.PolicyPoint
	obs             *observability.Provider
	clock           func() time.Time
	profile         *qscore.Profile
}

// Option overrides one piece of the default wiring. Tests inject
// in-memory infrastructure; the daemon mostly relies on the defaults
// derived from config.
type Option func(*options)

// WithTransport overrides the broker transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithBlobStore overrides the payload blob store.
func WithBlobStore(s blob.Store) Option {
	return func(o *options) { o.blobs = s }
}

// WithRegistryStore overrides the agent registry store.
func WithRegistryStore(s registry.Store) Option {
	return func(o *options) { o.registryStore = s }
}

// WithCheckpointStore overrides the run journal store.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(o *options) { o.checkpointStore = s }
}

// WithDecisionStore overrides the grading event store.
func WithDecisionStore(s decision.Store) Option {
	return func(o *options) { o.decisionStore = s }
}

// WithIdempotencyKV overrides the duplicate-suppression store.
func WithIdempotencyKV(kv middleware.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithPolicy overrides the policy point evaluated before dispatch.
func WithPolicy(p middleware.PolicyPoint) Option {
	return func(o *options) { o.policy = p }
}

// WithObservability injects the OTel provider. The node never shuts
// the provider down; its owner does.
func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.obs = p }
}

// WithClock overrides the time source for deterministic tests. The
// clock flows into the registry, the checkpointer, the decision
// engine, and the replay guard.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithProfile overrides the scoring profile, bypassing
// QSCORE_PROFILE_PATH.
func WithProfile(p qscore.Profile) Option {
	return func(o *options) { o.profile = &p }
}

// NewServices wires the orchestrator from config. Construction only
// builds; nothing connects or subscribes until Start.
func NewServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("node: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	s := &Services{
		Config:      cfg,
		Logger:      logger,
		obs:         o.obs,
		clock:       o.clock,
		watched:     make(map[string][]transport.Subscription),
		lastResults: make(map[string]*envelope.TaskResultPayload),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if s.obs == nil {
		disabled := observability.DefaultConfig()
		disabled.Enabled = false
		p, err := observability.New(ctx, disabled)
		if err != nil {
			return nil, fmt.Errorf("node: build no-op observability: %w", err)
		}
		s.obs = p
	}

	if err := s.buildSecurity(cfg, logger); err != nil {
		return nil, err
	}
	if err := s.buildStorage(ctx, cfg, &o); err != nil {
		return nil, err
	}
	if err := s.buildTransport(cfg, &o); err != nil {
		return nil, err
	}
	if err := s.buildPipeline(cfg, logger, &o); err != nil {
		return nil, err
	}

	s.heartbeats = registry.NewHeartbeatTask(s.Registry, s.Publisher, registry.HeartbeatConfig{
		AgentID:  cfg.AgentID,
		Tenant:   cfg.Tenant,
		Project:  cfg.Project,
		Interval: cfg.HeartbeatInterval,
		Status:   s.ownStatus,
		Logger:   logger,
	})
	s.reaper = registry.NewReaper(s.Registry, cfg.ReaperInterval, logger)
	s.buildHealth()
	return s, nil
}

func (s *Services) buildSecurity(cfg *config.Config, logger *slog.Logger) error {
	master := []byte(cfg.SigningMasterKey)
	if len(master) == 0 {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return fmt.Errorf("node: generate ephemeral master key: %w", err)
		}
		logger.Warn("SIGNING_MASTER_KEY is unset, using an ephemeral key",
			"component", "security",
			"consequence", "signatures do not survive restarts")
	}
	keyring, err := security.NewKeyring(master)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	s.Keyring = keyring
	s.Signer = security.NewSigner(keyring)
	s.Guard = security.NewReplayGuard(security.ReplayConfig{
		FreshnessWindow:    cfg.ReplayFreshness,
		ClockSkewTolerance: cfg.ClockSkewTolerance,
		VerifySignature:    true,
	}, s.Signer).WithClock(s.clock)

	if cfg.JWTSecretOrPublicKey == "" {
		return nil
	}
	tc := security.TokenConfig{
		Algorithm: security.Algorithm(cfg.JWTAlgorithm),
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		Leeway:    cfg.ClockSkewTolerance,
	}
	switch tc.Algorithm {
	case security.AlgHS256:
		tc.HMACSecret = []byte(cfg.JWTSecretOrPublicKey)
	case security.AlgRS256:
		pub, err := parseRSAPublicKey(cfg.JWTSecretOrPublicKey)
		if err != nil {
			return fmt.Errorf("node: JWT_SECRET_OR_PUBLIC_KEY: %w", err)
		}
		tc.RSAPublicKey = pub
	}
	tokens, err := security.NewTokenService(tc)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	s.Tokens = tokens.WithClock(s.clock)
	return nil
}

func parseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block in RS256 public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RS256 public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("RS256 public key is %T, want *rsa.PublicKey", parsed)
	}
	return pub, nil
}

// buildStorage picks store backends: overrides win, then Postgres when
// PG_URL is set (one shared pool across registry, checkpoint, and
// grading stores), otherwise lite mode with a SQLite journal and
// in-memory registry and grading stores.
func (s *Services) buildStorage(ctx context.Context, cfg *config.Config, o *options) error {
	if o.blobs == nil {
		b, err := blob.Open(ctx, cfg.BlobStoreURL)
		if err != nil {
			return fmt.Errorf("node: open blob store: %w", err)
		}
		o.blobs = b
	}
	s.Blobs = o.blobs
	ext := blob.NewExternalizer(s.Blobs, cfg.BlobMaxInlineBytes)

	regStore := o.registryStore
	cpStore := o.checkpointStore
	gradeStore := o.decisionStore
	needPG := !cfg.LiteMode() && (regStore == nil || cpStore == nil || gradeStore == nil)
	if needPG {
		db, err := sql.Open("postgres", cfg.PGURL)
		if err != nil {
			return fmt.Errorf("node: open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.PGMaxConnections)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PGConnTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("node: ping postgres: %w", err)
		}
		s.db = db
	}
	if regStore == nil {
		if cfg.LiteMode() {
			regStore = registry.NewMemoryStore()
		} else {
			regStore = registry.NewPostgresStore(s.db)
		}
	}
	if cpStore == nil {
		if cfg.LiteMode() {
			st, err := checkpoint.OpenSQLiteStore(cfg.SQLitePath)
			if err != nil {
				return fmt.Errorf("node: open sqlite journal: %w", err)
			}
			cpStore = st
		} else {
			cpStore = checkpoint.NewPostgresStore(s.db)
		}
	}
	if gradeStore == nil {
		if cfg.LiteMode() {
			gradeStore = decision.NewMemoryStore()
		} else {
			gradeStore = decision.NewPostgresStore(s.db)
		}
	}
	s.registryStore = regStore
	s.checkpointStore = cpStore
	s.Grades = gradeStore

	s.Registry = registry.New(regStore,
		registry.WithLease(cfg.LeaseDuration),
		registry.WithClock(s.clock),
		registry.WithLogger(s.Logger))
	s.Checkpoints = checkpoint.New(cpStore,
		checkpoint.WithExternalizer(ext),
		checkpoint.WithClock(s.clock),
		checkpoint.WithLogger(s.Logger))
	return nil
}

func (s *Services) buildTransport(cfg *config.Config, o *options) error {
	ext := blob.NewExternalizer(s.Blobs, cfg.BlobMaxInlineBytes)
	if o.transport == nil {
		if cfg.RedisURL != "" {
			o.transport = transport.NewRedisTransport(transport.RedisConfig{
				URL:         cfg.RedisURL,
				GroupPrefix: cfg.ConsumerGroupPrefix,
			}, transport.WithRedisExternalizer(ext))
		} else {
			o.transport = transport.NewMemoryTransport(transport.WithMemoryExternalizer(ext))
		}
	}
	s.Transport = o.transport

	if o.kv == nil {
		if cfg.RedisURL != "" {
			ropts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("node: parse REDIS_URL for idempotency store: %w", err)
			}
			s.redisKV = redis.NewClient(ropts)
			o.kv = middleware.NewRedisKV(s.redisKV)
		} else {
			o.kv = middleware.NewMemoryKV()
		}
	}
	if o.policy == nil {
		o.policy = middleware.AllowAll{}
	}
	s.policy = o.policy
	s.kv = o.kv
	return nil
}

func (s *Services) buildPipeline(cfg *config.Config, logger *slog.Logger, o *options) error {
	profile := qscore.DefaultProfile()
	if o.profile != nil {
		profile = *o.profile
	} else if cfg.QScoreProfilePath != "" {
		p, err := qscore.LoadProfile(cfg.QScoreProfilePath)
		if err != nil {
			return fmt.Errorf("node: %w", err)
		}
		profile = p
	}
	grader, err := qscore.NewCalculator(profile)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	s.Grader = grader

	s.Publisher = bus.NewPublisher(s.Transport, s.Signer, envelope.Service(cfg.AgentID),
		bus.WithPublisherLogger(logger),
		bus.WithPublishHook(func(ctx context.Context, topicName string, env *envelope.Envelope) {
			s.obs.RecordPublished(ctx, observability.EnvelopeAttrs(
				env.Meta.Tenant, env.Meta.Project, topicName, string(env.Meta.Type))...)
		}))

	dcfg := decision.DefaultConfig()
	dcfg.AcceptThreshold = cfg.QScoreAcceptThreshold
	dcfg.MaxRetries = cfg.MaxRetries
	if dcfg.FloorThreshold > dcfg.AcceptThreshold {
		dcfg.FloorThreshold = dcfg.AcceptThreshold
	}
	engine, err := decision.NewEngine(s.Grades, s.Registry, s.Publisher, dcfg,
		decision.WithClock(s.clock),
		decision.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	s.Engine = engine

	s.Dispatcher = bus.NewDispatcher(s.Transport,
		bus.WithMiddlewares(
			middleware.ReplayProtection(s.Guard, logger),
			middleware.PolicyGate(s.policy, logger),
			middleware.Idempotency(s.kv, 0, logger),
		),
		bus.WithDispatcherLogger(logger))
	s.Dispatcher.Handle(envelope.TypeTaskInvoke, s.handleTaskInvoke)
	s.Dispatcher.Handle(envelope.TypeTaskResult, s.handleTaskResult)
	s.Dispatcher.Handle(envelope.TypeHeartbeat, s.handleHeartbeat)
	return nil
}

func (s *Services) buildHealth() {
	s.health = NewHealth(s.clock)
	s.health.Register("transport", true, func(ctx context.Context) error {
		return s.Transport.HealthCheck(ctx)
	})
	s.health.Register("registry", true, func(ctx context.Context) error {
		_, err := s.registryStore.GetAgent(ctx, healthProbeID)
		return ignoreNotFound(err, fault.CodeAgentNotFound)
	})
	s.health.Register("checkpoint", true, func(ctx context.Context) error {
		_, err := s.checkpointStore.GetRun(ctx, healthProbeID)
		return ignoreNotFound(err, fault.CodeRunNotFound)
	})
	s.health.Register("grades", true, func(ctx context.Context) error {
		_, err := s.Grades.GetByIdempotencyKey(ctx, healthProbeID)
		return ignoreNotFound(err, fault.CodeEventNotFound)
	})
	s.health.Register("blobs", false, func(ctx context.Context) error {
		_, err := s.Blobs.Exists(ctx, blobProbeRef)
		return err
	})
}

// ignoreNotFound treats the expected miss on the probe id as success:
// the store answered, so it is reachable.
func ignoreNotFound(err error, notFoundCode string) error {
	if err == nil || fault.IsCode(err, notFoundCode) {
		return nil
	}
	return err
}

// Health exposes the component health registry.
func (s *Services) Health() *Health { return s.health }

// Ready reports whether Start completed and Shutdown has not begun.
func (s *Services) Ready() bool { return s.ready.Load() }

func (s *Services) ownStatus() registry.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	switch s.health.Check(ctx).Status {
	case StatusHealthy:
		return registry.StatusHealthy
	case StatusDegraded:
		return registry.StatusDegraded
	}
	return registry.StatusDegraded
}

// Start brings the node up: stores init, transport connects, the
// dispatcher subscribes, then the heartbeat task and the reaper start.
func (s *Services) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("node: already started")
	}
	s.started = true
	s.mu.Unlock()

	cfg := s.Config
	if err := s.registryStore.Init(ctx); err != nil {
		return fmt.Errorf("node: init registry store: %w", err)
	}
	s.Logger.Info("store ready", "component", "registry")
	if err := s.checkpointStore.Init(ctx); err != nil {
		return fmt.Errorf("node: init checkpoint store: %w", err)
	}
	s.Logger.Info("store ready", "component", "checkpoint")
	if err := s.Grades.Init(ctx); err != nil {
		return fmt.Errorf("node: init grading store: %w", err)
	}
	s.Logger.Info("store ready", "component", "grades")

	if err := s.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("node: connect transport: %w", err)
	}
	s.Logger.Info("transport connected", "component", "transport")

	heartbeatTopic, err := topic.RegistryHeartbeats(cfg.Tenant, cfg.Project)
	if err != nil {
		return fmt.Errorf("node: heartbeat topic: %w", err)
	}
	if _, err := s.Dispatcher.Subscribe(ctx, heartbeatTopic, transport.SubscribeOptions{
		Group:    "cmo",
		Consumer: cfg.AgentID,
	}); err != nil {
		return fmt.Errorf("node: subscribe heartbeats: %w", err)
	}

	if _, err := s.Registry.Register(ctx, registry.Agent{
		AgentID:      cfg.AgentID,
		Tenant:       cfg.Tenant,
		Project:      cfg.Project,
		Capabilities: []string{"orchestrate"},
	}, 0); err != nil {
		return fmt.Errorf("node: register self: %w", err)
	}

	agents, err := s.Registry.Discover(ctx, registry.DiscoverQuery{
		Tenant:  cfg.Tenant,
		Project: cfg.Project,
		Statuses: []registry.Status{
			registry.StatusStarting, registry.StatusHealthy, registry.StatusDegraded,
		},
	})
	if err != nil {
		return fmt.Errorf("node: discover existing agents: %w", err)
	}
	for _, a := range agents {
		if err := s.WatchSpecialist(ctx, a.AgentID); err != nil {
			s.Logger.Warn("watch failed for registered agent",
				"agent_id", a.AgentID, "error", err)
		}
	}

	s.heartbeats.Start(ctx)
	s.reaper.Start(ctx)
	go s.maintain(ctx)

	s.ready.Store(true)
	s.Logger.Info("node started",
		"tenant", cfg.Tenant,
		"project", cfg.Project,
		"agent_id", cfg.AgentID,
		"lite_mode", cfg.LiteMode(),
		"watched_agents", len(agents))
	return nil
}

// maintain drains reaper notifications and runs the retention sweep.
func (s *Services) maintain(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case id := <-s.reaper.Expired():
			s.onAgentExpired(ctx, id)
		case <-ticker.C:
			if _, err := s.RunRetention(ctx); err != nil {
				s.Logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

func (s *Services) onAgentExpired(ctx context.Context, agentID string) {
	s.Logger.Warn("agent lease expired", "agent_id", agentID)
	s.UnwatchSpecialist(agentID)
	if _, err := s.Publisher.PublishMemoryEvent(ctx, s.Config.Tenant, s.Config.Project,
		envelope.MemoryEventPayload{
			Event:   "agent_expired",
			AgentID: agentID,
			Status:  string(registry.StatusUnavailable),
		}); err != nil {
		s.Logger.Warn("expiry memory event publish failed",
			"agent_id", agentID, "error", err)
	}
}

// RunRetention removes terminal runs and inactive agents older than
// AGENT_RETENTION_DAYS. The maintenance loop calls it daily; operators
// can also trigger it directly.
func (s *Services) RunRetention(ctx context.Context) (int, error) {
	days := s.Config.AgentRetentionDays
	agents, err := s.Registry.CleanupInactiveAgents(ctx, days)
	if err != nil {
		return 0, err
	}
	runs, err := s.Checkpoints.CleanupOldExecutions(ctx, days)
	if err != nil {
		return agents, err
	}
	if agents+runs > 0 {
		s.Logger.Info("retention sweep done", "agents_removed", agents, "runs_removed", runs)
	}
	return agents + runs, nil
}

// WatchSpecialist subscribes the grading loop to one specialist's
// invoke and result topics. The invoke subscription uses the node's
// own consumer group, so it observes traffic without stealing work
// from the specialist's group. Watching twice is a no-op.
func (s *Services) WatchSpecialist(ctx context.Context, agentID string) error {
	if agentID == s.Config.AgentID {
		return nil
	}
	entity := topic.EntityFor(agentID)

	s.mu.Lock()
	if _, ok := s.watched[agentID]; ok {
		s.mu.Unlock()
		return nil
	}
	// Reserve before subscribing so a concurrent watcher backs off.
	s.watched[agentID] = nil
	s.mu.Unlock()

	invokeTopic, err := topic.SpecialistInvoke(s.Config.Tenant, s.Config.Project, entity)
	if err == nil {
		var resultTopic string
		resultTopic, err = topic.SpecialistResult(s.Config.Tenant, s.Config.Project, entity)
		if err == nil {
			opts := transport.SubscribeOptions{Group: "cmo", Consumer: s.Config.AgentID}
			var invokeSub, resultSub transport.Subscription
			invokeSub, err = s.Dispatcher.Subscribe(ctx, invokeTopic, opts)
			if err == nil {
				resultSub, err = s.Dispatcher.Subscribe(ctx, resultTopic, opts)
				if err == nil {
					s.mu.Lock()
					s.watched[agentID] = []transport.Subscription{invokeSub, resultSub}
					s.mu.Unlock()
					s.Logger.Info("specialist watched",
						"agent_id", agentID, "result_topic", resultTopic)
					return nil
				}
				_ = invokeSub.Close()
			}
		}
	}
	s.mu.Lock()
	delete(s.watched, agentID)
	s.mu.Unlock()
	return fmt.Errorf("node: watch %s: %w", agentID, err)
}

// UnwatchSpecialist closes the specialist's subscriptions. Unknown ids
// are a no-op.
func (s *Services) UnwatchSpecialist(agentID string) {
	s.mu.Lock()
	subs := s.watched[agentID]
	delete(s.watched, agentID)
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			s.Logger.Warn("unwatch close failed", "agent_id", agentID, "error", err)
		}
	}
}

// WatchedSpecialists lists the ids the grading loop currently follows.
func (s *Services) WatchedSpecialists() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.watched))
	for id := range s.watched {
		ids = append(ids, id)
	}
	return ids
}

// handleHeartbeat ingests heartbeats from the registry topic. Unknown
// agents auto-register with the capabilities the beat carries, then
// the lease extends and the agent's result topics get watched.
func (s *Services) handleHeartbeat(ctx context.Context, d *transport.Delivery) {
	var hb envelope.HeartbeatPayload
	if err := d.Envelope.DecodePayload(&hb); err != nil {
		s.rejectDelivery(ctx, d, fault.CodeInvalidEnvelope, err)
		return
	}
	status := registry.Status(hb.Status)
	if hb.AgentID == "" || !registry.ValidStatus(status) {
		s.rejectDelivery(ctx, d, fault.CodeInvalidEnvelope,
			fmt.Errorf("heartbeat from %q with status %q", hb.AgentID, hb.Status))
		return
	}
	s.obs.RecordConsumed(ctx, observability.EnvelopeAttrs(
		d.Envelope.Meta.Tenant, d.Envelope.Meta.Project, d.Topic, string(d.Envelope.Meta.Type))...)

	_, err := s.Registry.Heartbeat(ctx, hb.AgentID, status)
	if fault.IsCode(err, fault.CodeAgentNotFound) {
		if _, rerr := s.Registry.Register(ctx, registry.Agent{
			AgentID:      hb.AgentID,
			Tenant:       d.Envelope.Meta.Tenant,
			Project:      d.Envelope.Meta.Project,
			Capabilities: hb.Capabilities,
		}, 0); rerr != nil {
			s.Logger.Error("heartbeat auto-registration failed",
				"agent_id", hb.AgentID, "error", rerr)
			_ = d.Nack(ctx)
			return
		}
		s.Logger.Info("agent auto-registered from heartbeat", "agent_id", hb.AgentID)
		_, err = s.Registry.Heartbeat(ctx, hb.AgentID, status)
	}
	if err != nil {
		s.Logger.Error("heartbeat ingestion failed", "agent_id", hb.AgentID, "error", err)
		_ = d.Nack(ctx)
		return
	}

	if err := s.WatchSpecialist(ctx, hb.AgentID); err != nil {
		s.Logger.Warn("watch after heartbeat failed", "agent_id", hb.AgentID, "error", err)
	}
	_ = d.Ack(ctx)
}

func (s *Services) rejectDelivery(ctx context.Context, d *transport.Delivery, code string, err error) {
	s.Logger.Warn("delivery rejected",
		"topic", d.Topic,
		"message_id", d.Envelope.Meta.MessageID,
		"code", code,
		"error", err)
	s.obs.RecordDLQ(ctx, code, observability.EnvelopeAttrs(
		d.Envelope.Meta.Tenant, d.Envelope.Meta.Project, d.Topic, string(d.Envelope.Meta.Type))...)
	_ = d.Reject(ctx, code)
}

// Shutdown unwinds Start in reverse: stop the reaper and heartbeats,
// drain the dispatcher, disconnect the transport, then close stores.
func (s *Services) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.ready.Store(false)
	s.reaper.Stop()
	s.heartbeats.Stop()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh

	var errs []error
	if err := s.Dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}
	if err := s.Transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect transport: %w", err))
	}
	if s.redisKV != nil {
		if err := s.redisKV.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close idempotency store: %w", err))
		}
	}
	if err := s.Grades.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close grading store: %w", err))
	}
	if err := s.checkpointStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
	}
	if err := s.Registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close registry store: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres pool: %w", err))
		}
	}
	s.Logger.Info("node stopped", "agent_id", s.Config.AgentID)
	return errors.Join(errs...)
}
