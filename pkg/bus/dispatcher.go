package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/middleware"
	"github.com/testfabric/cmo/pkg/transport"
)

// Dispatcher fans deliveries out to per-type handlers. Every
// subscription runs the middleware chain ahead of type dispatch, so
// replay protection, the policy gate, and the idempotency guard apply
// uniformly no matter which topic the envelope arrived on.
type Dispatcher struct {
	transport transport.Transport
	validator *envelope.Validator
	chain     middleware.Middleware
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[envelope.MessageType]transport.Handler
	subs     []transport.Subscription
	closed   bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMiddlewares installs the gate chain. The first middleware is the
// outermost: it sees the delivery before all others.
func WithMiddlewares(mws ...middleware.Middleware) DispatcherOption {
	return func(d *Dispatcher) { d.chain = middleware.Chain(mws...) }
}

// WithDispatcherValidator sets the structural validator applied before
// dispatch. Pass nil to skip validation (tests only).
func WithDispatcherValidator(v *envelope.Validator) DispatcherOption {
	return func(d *Dispatcher) { d.validator = v }
}

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher builds an empty dispatcher bound to a transport.
func NewDispatcher(t transport.Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		validator: envelope.NewValidator(),
		logger:    slog.Default(),
		handlers:  make(map[envelope.MessageType]transport.Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers the handler for one message type. A later
// registration for the same type replaces the earlier one.
func (d *Dispatcher) Handle(typ envelope.MessageType, h transport.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

// Subscribe starts a consumer loop on topicName that validates, gates,
// and routes every delivery. The subscription is owned by the
// dispatcher and stops on Close.
func (d *Dispatcher) Subscribe(ctx context.Context, topicName string, opts transport.SubscribeOptions) (transport.Subscription, error) {
	h := transport.Handler(d.dispatch)
	if d.chain != nil {
		h = d.chain(h)
	}
	sub, err := d.transport.Subscribe(ctx, topicName, opts, h)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = sub.Close()
		return nil, fault.New(fault.KindTransport, fault.CodeSubscribeFailed,
			"dispatcher closed")
	}
	d.subs = append(d.subs, sub)
	return sub, nil
}

// dispatch is the innermost handler: structural validation, then the
// per-type route. Unroutable deliveries go to the DLQ with a stable
// reason so triage can group them.
func (d *Dispatcher) dispatch(ctx context.Context, del *transport.Delivery) {
	env := del.Envelope
	if d.validator != nil {
		if err := d.validator.Validate(env).Err(); err != nil {
			d.logger.Warn("envelope failed validation",
				"topic", del.Topic,
				"message_id", env.Meta.MessageID,
				"error", err)
			_ = del.Reject(ctx, fault.CodeInvalidEnvelope)
			return
		}
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Meta.Type]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("no handler for message type",
			"topic", del.Topic,
			"type", string(env.Meta.Type),
			"message_id", env.Meta.MessageID)
		_ = del.Reject(ctx, fault.CodeUnknownType)
		return
	}
	h(ctx, del)
}

// Close stops every subscription the dispatcher owns. In-flight
// deliveries stay pending for the next consumer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
