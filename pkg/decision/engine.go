package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/qscore"
	"github.com/testfabric/cmo/pkg/registry"
	"github.com/testfabric/cmo/pkg/security"
)

// Config holds the grading thresholds.
type Config struct {
	// AcceptThreshold accepts a result outright once the calibrated
	// score reaches it.
	AcceptThreshold float64
	// FloorThreshold is the lower acceptance bar applied only when the
	// retry budget is spent.
	FloorThreshold float64
	// MaxRetries bounds how many times one task may be re-dispatched.
	MaxRetries int
}

// DefaultConfig mirrors the production grading profile.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.75,
		FloorThreshold:  0.60,
		MaxRetries:      2,
	}
}

func (c Config) validate() error {
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("accept threshold %v outside [0,1]", c.AcceptThreshold)
	}
	if c.FloorThreshold < 0 || c.FloorThreshold > c.AcceptThreshold {
		return fmt.Errorf("floor threshold %v outside [0, accept]", c.FloorThreshold)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries %d is negative", c.MaxRetries)
	}
	return nil
}

// Publisher emits the envelopes a decision produces. pkg/bus provides
// the production implementation.
type Publisher interface {
	PublishDecisionNotice(ctx context.Context, tenant, project string, notice envelope.DecisionNoticePayload, opts ...envelope.Option) (string, error)
	PublishEscalation(ctx context.Context, tenant, project string, notice envelope.DecisionNoticePayload, opts ...envelope.Option) (string, error)
	PublishTaskInvoke(ctx context.Context, tenant, project string, to envelope.AgentID, inv envelope.TaskInvokePayload, opts ...envelope.Option) (string, error)
}

// Attempt is one graded TaskResult plus the context the engine needs.
// Invoke carries the original task when the journal still has it;
// without it the retry invoke is rebuilt from the result alone.
type Attempt struct {
	Env    *envelope.Envelope
	Result envelope.TaskResultPayload
	Score  qscore.Result
	Invoke *envelope.TaskInvokePayload
}

// Outcome reports one grading pass.
type Outcome struct {
	Event *GradingEvent
	// Duplicate marks a redelivered result whose grading event already
	// existed. Nothing is published for duplicates.
	Duplicate bool
	// NoticeID is the message id of the DecisionNotice, when published.
	NoticeID string
	// InvokeID is the message id of the retry TaskInvoke, when the
	// decision was RETRY.
	InvokeID string
}

// Engine turns calibrated quality scores into ACCEPT, RETRY, or
// ESCALATE decisions and emits the follow-up envelopes.
type Engine struct {
	cfg    Config
	store  Store
	reg    *registry.Registry
	pub    Publisher
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires the grading store, the registry used for retry
// target discovery, and the publisher for decision traffic.
func NewEngine(store Store, reg *registry.Registry, pub Publisher, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("decision: %w", err)
	}
	e := &Engine{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		pub:    pub,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Decide grades one attempt. Exactly one grading event and one
// DecisionNotice exist per idempotency key no matter how many times
// the same TaskResult is delivered.
func (e *Engine) Decide(ctx context.Context, att Attempt) (*Outcome, error) {
	if att.Env == nil {
		return nil, fault.New(fault.KindDecision, fault.CodeInvalidEnvelope, "decide: envelope is required")
	}
	if att.Score.Calibrated < 0 || att.Score.Calibrated > 1 || att.Score.Raw < 0 || att.Score.Raw > 1 {
		return nil, fault.New(fault.KindDecision, fault.CodeQScoreOutOfRange,
			"decide: score raw=%v calibrated=%v outside [0,1]", att.Score.Raw, att.Score.Calibrated)
	}

	meta := att.Env.Meta
	key := meta.IdempotencyKey
	if key == "" {
		key = security.IdempotencyKeyFor(meta)
	}
	attempt := att.Result.RetryDepth
	specialist := meta.From.ID

	decision, retryTarget, reasons := e.classify(ctx, att, attempt, specialist)

	ev := GradingEvent{
		MessageID:      meta.MessageID,
		TraceID:        meta.TraceID,
		Tenant:         meta.Tenant,
		Project:        meta.Project,
		IdempotencyKey: key,
		SpecialistID:   specialist,
		Capability:     att.Result.Capability,
		AttemptNo:      attempt,
		Decision:       decision,
		RawScore:       att.Score.Raw,
		Calibrated:     att.Score.Calibrated,
		Reasons:        reasons,
		RetryTarget:    retryTarget,
		CreatedAt:      e.clock().UTC(),
	}

	stored, inserted, err := e.store.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !inserted {
		e.logger.Info("duplicate result absorbed",
			"trace_id", meta.TraceID, "idempotency_key", key,
			"decision", string(stored.Decision))
		return &Outcome{Event: stored, Duplicate: true}, nil
	}

	out := &Outcome{Event: stored}
	notice := envelope.DecisionNoticePayload{
		Decision:     string(decision),
		QScore:       att.Score.Raw,
		Calibrated:   att.Score.Calibrated,
		Reasons:      reasons,
		Explanation:  att.Score.Explanation,
		AttemptNo:    attempt,
		SpecialistID: specialist,
		RetryTarget:  retryTarget,
	}
	opts := []envelope.Option{
		envelope.WithTraceID(meta.TraceID),
		envelope.WithCorrelationID(meta.MessageID),
	}

	if decision == Escalate {
		out.NoticeID, err = e.pub.PublishEscalation(ctx, meta.Tenant, meta.Project, notice, opts...)
	} else {
		out.NoticeID, err = e.pub.PublishDecisionNotice(ctx, meta.Tenant, meta.Project, notice, opts...)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.KindDecision, fault.CodePublishFailed,
			"publish decision notice for trace %s", meta.TraceID)
	}

	if decision == Retry {
		inv := e.retryInvoke(att, attempt)
		out.InvokeID, err = e.pub.PublishTaskInvoke(ctx, meta.Tenant, meta.Project,
			envelope.Agent(retryTarget), inv, opts...)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindDecision, fault.CodePublishFailed,
				"publish retry invoke for trace %s", meta.TraceID)
		}
	}

	e.logger.Info("attempt graded",
		"trace_id", meta.TraceID,
		"specialist", specialist,
		"attempt_no", attempt,
		"decision", string(decision),
		"calibrated", att.Score.Calibrated,
		"retry_target", retryTarget)
	return out, nil
}

// classify applies the grading policy in precedence order: persistent
// hard failures escalate, strong scores accept, the floor accepts at
// the end of the retry budget, and anything else retries while budget
// remains.
func (e *Engine) classify(ctx context.Context, att Attempt, attempt int, specialist string) (Decision, string, []string) {
	score := att.Score
	var reasons []string

	if score.Signals.PolicyOK == 0 && attempt >= 1 {
		reasons = append(reasons, "policy violation persisted after retry")
		return Escalate, "", reasons
	}
	if score.Signals.SchemaOK == 0 && attempt >= 1 {
		reasons = append(reasons, "schema validation failed again after retry")
		return Escalate, "", reasons
	}

	if score.Calibrated >= e.cfg.AcceptThreshold {
		reasons = append(reasons, fmt.Sprintf("calibrated %.2f meets accept threshold %.2f",
			score.Calibrated, e.cfg.AcceptThreshold))
		return Accept, "", reasons
	}
	if score.Calibrated >= e.cfg.FloorThreshold && attempt >= e.cfg.MaxRetries {
		reasons = append(reasons, fmt.Sprintf("calibrated %.2f meets floor %.2f with retry budget spent",
			score.Calibrated, e.cfg.FloorThreshold))
		return Accept, "", reasons
	}

	if attempt < e.cfg.MaxRetries {
		target, err := e.pickRetryTarget(ctx, att, specialist)
		if err != nil {
			reasons = append(reasons,
				fmt.Sprintf("calibrated %.2f below accept threshold %.2f", score.Calibrated, e.cfg.AcceptThreshold),
				"no alternative specialist available: "+err.Error())
			return Escalate, "", reasons
		}
		reasons = append(reasons, fmt.Sprintf("calibrated %.2f below accept threshold %.2f, retrying on %s",
			score.Calibrated, e.cfg.AcceptThreshold, target))
		reasons = append(reasons, score.Weaknesses...)
		return Retry, target, reasons
	}

	reasons = append(reasons, fmt.Sprintf("calibrated %.2f below floor %.2f after %d attempts",
		score.Calibrated, e.cfg.FloorThreshold, attempt+1))
	reasons = append(reasons, score.Weaknesses...)
	return Escalate, "", reasons
}

// pickRetryTarget discovers a live specialist with the required
// capability, excluding the one that just failed. Candidates arrive
// ordered by agent id; the first survivor wins so the choice is
// deterministic.
func (e *Engine) pickRetryTarget(ctx context.Context, att Attempt, failed string) (string, error) {
	if e.reg == nil {
		return "", fault.New(fault.KindDecision, fault.CodeNoRetryTarget, "no registry configured")
	}
	meta := att.Env.Meta
	agents, err := e.reg.Discover(ctx, registry.DiscoverQuery{
		Tenant:     meta.Tenant,
		Project:    meta.Project,
		Capability: att.Result.Capability,
	})
	if err != nil {
		return "", fault.Wrap(err, fault.KindDecision, fault.CodeNoRetryTarget, "discover retry target")
	}
	for _, a := range agents {
		if a.AgentID != failed {
			return a.AgentID, nil
		}
	}
	return "", fault.New(fault.KindDecision, fault.CodeNoRetryTarget,
		"no specialist other than %s offers %q", failed, att.Result.Capability)
}

// retryInvoke rebuilds the task for the next attempt. The original
// invoke's inputs ride along when the caller recovered them from the
// journal.
func (e *Engine) retryInvoke(att Attempt, attempt int) envelope.TaskInvokePayload {
	inv := envelope.TaskInvokePayload{
		Task:       att.Result.Task,
		Capability: att.Result.Capability,
		AttemptNo:  attempt + 1,
		MaxRetries: e.cfg.MaxRetries,
	}
	if att.Invoke != nil {
		inv.Task = att.Invoke.Task
		inv.Capability = att.Invoke.Capability
		inv.Inputs = att.Invoke.Inputs
		inv.SummaryHint = att.Invoke.SummaryHint
		inv.Deadline = att.Invoke.Deadline
	}
	return inv
}

// History lists the grading events recorded for one trace in attempt
// order.
func (e *Engine) History(ctx context.Context, traceID string) ([]GradingEvent, error) {
	return e.store.ListByTrace(ctx, traceID)
}
