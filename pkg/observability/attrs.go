package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Fabric semantic convention attributes.
var (
	AttrTenant      = attribute.Key("cmo.tenant")
	AttrProject     = attribute.Key("cmo.project")
	AttrTopic       = attribute.Key("cmo.topic")
	AttrMessageType = attribute.Key("cmo.message.type")
	AttrMessageID   = attribute.Key("cmo.message.id")
	AttrTraceID     = attribute.Key("cmo.trace.id")

	AttrDecision   = attribute.Key("cmo.decision")
	AttrSpecialist = attribute.Key("cmo.specialist.id")
	AttrAttempt    = attribute.Key("cmo.attempt")
	AttrQScore     = attribute.Key("cmo.qscore.calibrated")

	AttrReason = attribute.Key("cmo.reject.reason")
	AttrAgent  = attribute.Key("cmo.agent.id")
	AttrStatus = attribute.Key("cmo.agent.status")
)

// EnvelopeAttrs names one envelope on a topic.
func EnvelopeAttrs(tenant, project, topicName, msgType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenant.String(tenant),
		AttrProject.String(project),
		AttrTopic.String(topicName),
		AttrMessageType.String(msgType),
	}
}

// GradeAttrs names one grading pass.
func GradeAttrs(tenant, project, specialistID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenant.String(tenant),
		AttrProject.String(project),
		AttrSpecialist.String(specialistID),
		AttrAttempt.Int(attempt),
	}
}

// AgentAttrs names one registry subject.
func AgentAttrs(tenant, project, agentID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenant.String(tenant),
		AttrProject.String(project),
		AttrAgent.String(agentID),
		AttrStatus.String(status),
	}
}

// SpanFromContext extracts the active span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the active span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
