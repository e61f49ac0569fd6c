// Package bus is the typed seam between application code and the
// transport. The Publisher composes, stamps, signs, and validates
// outbound envelopes before they touch a topic; the Dispatcher fans
// inbound deliveries out to per-type handlers behind the middleware
// chain.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/security"
	"github.com/testfabric/cmo/pkg/topic"
	"github.com/testfabric/cmo/pkg/transport"
)

// DefaultRequestTimeout bounds request/response exchanges that do not
// specify their own deadline.
const DefaultRequestTimeout = 10 * time.Second

// Publisher emits envelopes on behalf of one agent identity. Every
// publish stamps the idempotency key, signs the envelope with the
// tenant key, and validates the result before it reaches the broker.
type Publisher struct {
	transport transport.Transport
	signer    *security.Signer
	validator *envelope.Validator
	from      envelope.AgentID
	logger    *slog.Logger
	hook      func(ctx context.Context, topicName string, env *envelope.Envelope)
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithValidator enables outbound structural validation. Pass nil to
// publish unvalidated (tests only).
func WithValidator(v *envelope.Validator) PublisherOption {
	return func(p *Publisher) { p.validator = v }
}

// WithPublisherLogger sets the structured logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithPublishHook registers a callback invoked after every successful
// publish; metrics recorders hang off it.
func WithPublishHook(hook func(ctx context.Context, topicName string, env *envelope.Envelope)) PublisherOption {
	return func(p *Publisher) { p.hook = hook }
}

// NewPublisher binds an agent identity to a transport. signer may be
// nil only in tests; production traffic is always signed.
func NewPublisher(t transport.Transport, signer *security.Signer, from envelope.AgentID, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: t,
		signer:    signer,
		from:      from,
		validator: envelope.NewValidator(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// From reports the identity stamped into every outbound envelope.
func (p *Publisher) From() envelope.AgentID { return p.from }

// Publish finalizes env (idempotency key, signature, validation) and
// appends it to topicName.
func (p *Publisher) Publish(ctx context.Context, topicName string, env *envelope.Envelope) (string, error) {
	security.StampIdempotencyKey(env)
	if p.signer != nil {
		if err := p.signer.Sign(env); err != nil {
			return "", fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidSignature,
				"sign envelope %s", env.Meta.MessageID)
		}
	}
	if p.validator != nil {
		if err := p.validator.Validate(env).Err(); err != nil {
			return "", err
		}
	}
	id, err := p.transport.Publish(ctx, topicName, env)
	if err != nil {
		return "", err
	}
	if p.hook != nil {
		p.hook(ctx, topicName, env)
	}
	p.logger.Debug("envelope published",
		"topic", topicName,
		"type", string(env.Meta.Type),
		"message_id", env.Meta.MessageID,
		"trace_id", env.Meta.TraceID)
	return id, nil
}

// publishTyped composes a fresh envelope and publishes it.
func (p *Publisher) publishTyped(ctx context.Context, topicName string, typ envelope.MessageType, to []envelope.AgentID, tenant, project string, payload any, opts ...envelope.Option) (string, error) {
	env, err := envelope.New(typ, p.from, to, tenant, project, payload, opts...)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, topicName, env)
}

// PublishTaskInvoke dispatches a task to one specialist.
func (p *Publisher) PublishTaskInvoke(ctx context.Context, tenant, project string, to envelope.AgentID, inv envelope.TaskInvokePayload, opts ...envelope.Option) (string, error) {
	name, err := topic.SpecialistInvoke(tenant, project, topic.EntityFor(to.ID))
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeTaskInvoke,
		[]envelope.AgentID{to}, tenant, project, inv, opts...)
}

// PublishTaskResult reports a finished attempt back to the fabric.
// Specialists call this; the orchestrator consumes it.
func (p *Publisher) PublishTaskResult(ctx context.Context, tenant, project string, res envelope.TaskResultPayload, opts ...envelope.Option) (string, error) {
	name, err := topic.SpecialistResult(tenant, project, topic.EntityFor(p.from.ID))
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeTaskResult,
		[]envelope.AgentID{envelope.Service("cmo")}, tenant, project, res, opts...)
}

// PublishDecisionNotice announces a grading verdict.
func (p *Publisher) PublishDecisionNotice(ctx context.Context, tenant, project string, notice envelope.DecisionNoticePayload, opts ...envelope.Option) (string, error) {
	name, err := topic.Decisions(tenant, project)
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeDecisionNotice,
		[]envelope.AgentID{envelope.TopicRef(name)}, tenant, project, notice, opts...)
}

// PublishEscalation routes an ESCALATE verdict to the human queue.
func (p *Publisher) PublishEscalation(ctx context.Context, tenant, project string, notice envelope.DecisionNoticePayload, opts ...envelope.Option) (string, error) {
	name, err := topic.Escalations(tenant, project)
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeDecisionNotice,
		[]envelope.AgentID{envelope.TopicRef(name)}, tenant, project, notice, opts...)
}

// PublishHeartbeat emits agent liveness. registry.HeartbeatTask feeds
// through this.
func (p *Publisher) PublishHeartbeat(ctx context.Context, tenant, project string, hb envelope.HeartbeatPayload) (string, error) {
	name, err := topic.RegistryHeartbeats(tenant, project)
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeHeartbeat,
		[]envelope.AgentID{envelope.TopicRef(name)}, tenant, project, hb)
}

// PublishMemoryEvent appends a durable fact to the memory stream.
func (p *Publisher) PublishMemoryEvent(ctx context.Context, tenant, project string, ev envelope.MemoryEventPayload, opts ...envelope.Option) (string, error) {
	name, err := topic.MemoryEvents(tenant, project)
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeMemoryEvent,
		[]envelope.AgentID{envelope.TopicRef(name)}, tenant, project, ev, opts...)
}

// PublishError reports a classified failure to the addressed agent.
func (p *Publisher) PublishError(ctx context.Context, tenant, project string, to envelope.AgentID, ep envelope.ErrorPayload, opts ...envelope.Option) (string, error) {
	name, err := topic.SpecialistInvoke(tenant, project, topic.EntityFor(to.ID))
	if err != nil {
		return "", err
	}
	return p.publishTyped(ctx, name, envelope.TypeError,
		[]envelope.AgentID{to}, tenant, project, ep, opts...)
}

// RequestContext asks the context providers for items and blocks for
// the correlated reply.
func (p *Publisher) RequestContext(ctx context.Context, tenant, project string, req envelope.ContextRequestPayload, timeout time.Duration) (*envelope.ContextResultPayload, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	name, err := topic.ContextRequests(tenant, project)
	if err != nil {
		return nil, err
	}
	env, err := envelope.New(envelope.TypeContextRequest, p.from,
		[]envelope.AgentID{envelope.TopicRef(name)}, tenant, project, req)
	if err != nil {
		return nil, err
	}
	security.StampIdempotencyKey(env)
	if p.signer != nil {
		if err := p.signer.Sign(env); err != nil {
			return nil, fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidSignature,
				"sign context request %s", env.Meta.MessageID)
		}
	}
	if p.validator != nil {
		if err := p.validator.Validate(env).Err(); err != nil {
			return nil, err
		}
	}

	resp, err := p.transport.Request(ctx, name, env, timeout)
	if err != nil {
		return nil, err
	}
	if p.hook != nil {
		p.hook(ctx, name, env)
	}
	if p.signer != nil {
		if err := p.signer.Verify(resp); err != nil {
			return nil, err
		}
	}
	if resp.Meta.Type == envelope.TypeError {
		var ep envelope.ErrorPayload
		if err := resp.DecodePayload(&ep); err != nil {
			return nil, err
		}
		return nil, fault.New(fault.Kind(ep.Kind), ep.Code, "%s", ep.Message)
	}
	var result envelope.ContextResultPayload
	if err := resp.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Respond answers a request delivery on its reply topic, correlated to
// the requesting message.
func (p *Publisher) Respond(ctx context.Context, d *transport.Delivery, typ envelope.MessageType, payload any) (string, error) {
	if d.ReplyTo == "" {
		return "", fault.New(fault.KindTransport, fault.CodePublishFailed,
			"delivery %s carries no reply topic", d.ID)
	}
	req := d.Envelope.Meta
	return p.publishTyped(ctx, d.ReplyTo, typ,
		[]envelope.AgentID{req.From}, req.Tenant, req.Project, payload,
		envelope.WithTraceID(req.TraceID),
		envelope.WithCorrelationID(req.MessageID))
}
