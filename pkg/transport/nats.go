package transport

import (
	"context"
	"time"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// NATSTransport reserves the variant name. Every operation returns
// transport/not_implemented until a JetStream backend lands; callers
// can select it from config today and fail loudly instead of silently
// dropping traffic.
type NATSTransport struct{}

// NewNATSTransport returns the stub.
func NewNATSTransport() *NATSTransport { return &NATSTransport{} }

func (t *NATSTransport) errNotImplemented(op string) error {
	return fault.New(fault.KindTransport, fault.CodeNotImplemented, "nats transport: %s", op)
}

func (t *NATSTransport) Connect(context.Context) error { return t.errNotImplemented("connect") }

func (t *NATSTransport) Disconnect(context.Context) error { return t.errNotImplemented("disconnect") }

func (t *NATSTransport) Publish(_ context.Context, _ string, _ *envelope.Envelope) (string, error) {
	return "", t.errNotImplemented("publish")
}

func (t *NATSTransport) Subscribe(_ context.Context, _ string, _ SubscribeOptions, _ Handler) (Subscription, error) {
	return nil, t.errNotImplemented("subscribe")
}

func (t *NATSTransport) Request(_ context.Context, _ string, _ *envelope.Envelope, _ time.Duration) (*envelope.Envelope, error) {
	return nil, t.errNotImplemented("request")
}

func (t *NATSTransport) CreateTopic(context.Context, string) error {
	return t.errNotImplemented("create topic")
}

func (t *NATSTransport) DeleteTopic(context.Context, string) error {
	return t.errNotImplemented("delete topic")
}

func (t *NATSTransport) PurgeTopic(context.Context, string) error {
	return t.errNotImplemented("purge topic")
}

func (t *NATSTransport) Stats(context.Context) (*Stats, error) {
	return nil, t.errNotImplemented("stats")
}

func (t *NATSTransport) HealthCheck(context.Context) error {
	return t.errNotImplemented("health check")
}
