// Package transport moves envelopes through a broker. The live variant
// is Redis Streams; an in-memory twin backs tests and single-process
// runs, and the NATS variant is a stub that preserves the contract.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// Default tuning. Subscribe options fall back to these.
const (
	DefaultMaxPending = 1024
	DefaultBlock      = 2 * time.Second
	DefaultBatch      = 16
)

// Handler consumes one delivery. The handler owns the message until it
// calls Ack, Nack, or Reject; returning without any of them leaves the
// message pending for redelivery.
type Handler func(ctx context.Context, d *Delivery)

// acker is implemented per transport variant.
type acker interface {
	ack(ctx context.Context, d *Delivery) error
	nack(ctx context.Context, d *Delivery) error
	reject(ctx context.Context, d *Delivery, reason string) error
}

// Constraint is a policy caveat attached to a delivery. Handlers must
// honor every constraint before acting on the payload.
type Constraint struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

// Outcome records how a delivery was settled.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAcked
	OutcomeNacked
	OutcomeRejected
)

// Delivery is one owned copy of an envelope, from read to ack/nack/reject.
type Delivery struct {
	Envelope *envelope.Envelope
	Topic    string
	// ID is the broker handle (the stream entry id on Redis).
	ID string
	// Attempt counts redeliveries; 0 is the first delivery.
	Attempt int
	// ReplyTo names the ephemeral reply topic on request/response
	// exchanges, empty otherwise.
	ReplyTo string
	// Reason carries the reject reason header when the delivery was
	// read from a dead-letter stream, empty otherwise.
	Reason string
	// Constraints accumulate policy caveats on the way to the handler.
	Constraints []Constraint

	acker   acker
	once    sync.Once
	outcome Outcome
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, OutcomeAcked, func() error { return d.acker.ack(ctx, d) })
}

// Nack returns the delivery to the queue for another consumer. The
// broker handle changes; the envelope does not.
func (d *Delivery) Nack(ctx context.Context) error {
	return d.settle(ctx, OutcomeNacked, func() error { return d.acker.nack(ctx, d) })
}

// Reject routes the delivery to the topic's DLQ with a reason header.
func (d *Delivery) Reject(ctx context.Context, reason string) error {
	return d.settle(ctx, OutcomeRejected, func() error { return d.acker.reject(ctx, d, reason) })
}

// Settled reports whether the delivery was acked, nacked, or rejected.
func (d *Delivery) Settled() bool { return d.outcome != OutcomePending }

// Outcome reports how the delivery was settled, OutcomePending if it
// was not.
func (d *Delivery) Outcome() Outcome { return d.outcome }

func (d *Delivery) settle(_ context.Context, outcome Outcome, op func() error) error {
	var err error = fault.New(fault.KindTransport, fault.CodePublishFailed,
		"delivery %s already settled", d.ID)
	d.once.Do(func() {
		err = op()
		d.outcome = outcome
	})
	return err
}

// SubscribeOptions name the consumer group membership and flow control.
type SubscribeOptions struct {
	// Group is the logical subscriber role; consumers in one group
	// share the work.
	Group string
	// Consumer is the durable consumer name inside the group.
	Consumer string
	// MaxPending caps unacked deliveries per consumer; at the cap the
	// subscription pauses reads until the consumer settles messages.
	MaxPending int64
	// Block is the poll interval for one read.
	Block time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.Block <= 0 {
		o.Block = DefaultBlock
	}
	return o
}

// Subscription is a running consumer loop.
type Subscription interface {
	Topic() string
	Group() string
	// Close stops the read loop and waits for it to exit. In-flight
	// deliveries stay pending for the next consumer.
	Close() error
}

// TopicStats describe one stream.
type TopicStats struct {
	Length  int64 `json:"length"`
	Pending int64 `json:"pending"`
}

// Stats is a point-in-time transport snapshot.
type Stats struct {
	Connected bool                  `json:"connected"`
	Published uint64                `json:"published"`
	Consumed  uint64                `json:"consumed"`
	Acked     uint64                `json:"acked"`
	Nacked    uint64                `json:"nacked"`
	Rejected  uint64                `json:"rejected"`
	Requests  uint64                `json:"requests"`
	Topics    map[string]TopicStats `json:"topics,omitempty"`
}

// Transport is the broker capability set.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Publish appends the envelope to a topic and returns the broker
	// handle for the appended message.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) (string, error)
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error)

	// Request publishes env and blocks for the correlated response on
	// an ephemeral reply topic. Timeout yields a transport/timeout fault.
	Request(ctx context.Context, topic string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)

	CreateTopic(ctx context.Context, topic string) error
	DeleteTopic(ctx context.Context, topic string) error
	PurgeTopic(ctx context.Context, topic string) error

	Stats(ctx context.Context) (*Stats, error)
	HealthCheck(ctx context.Context) error
}

// blobRefPayload replaces oversized payloads on the wire; consumers
// resolve the reference back to the original bytes before dispatch, so
// signatures keep verifying against the real payload.
type blobRefPayload struct {
	BlobRef string `json:"blob_ref"`
}

// Stream entry field names shared by the Redis variant and the DLQ
// inspection tooling.
const (
	fieldEnvelope  = "envelope"
	fieldPartition = "pk"
	fieldAttempt   = "attempt"
	fieldReason    = "reason"
	fieldSource    = "source"
	fieldReplyTo   = "reply_to"
	fieldBlobRef   = "blob"
)

func errNotConnected(variant string) error {
	return fault.New(fault.KindTransport, fault.CodeNotConnected, "%s transport is not connected", variant)
}
