package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/topic"
)

// externalizePayload moves an oversized payload into the blob store and
// returns a wire copy of the envelope whose payload is the blob_ref
// stub. Small payloads return the envelope unchanged with an empty ref.
// The original envelope is never mutated: consumers restore the real
// payload from the blob, so the signature keeps verifying.
func externalizePayload(ctx context.Context, ext *blob.Externalizer, env *envelope.Envelope) (*envelope.Envelope, string, error) {
	if ext == nil || len(env.Payload) <= ext.MaxInline() {
		return env, "", nil
	}
	_, ref, err := ext.Externalize(ctx, env.Payload)
	if err != nil {
		return nil, "", fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"externalize payload of envelope %s", env.Meta.MessageID)
	}
	if ref == "" {
		return env, "", nil
	}
	stub, err := json.Marshal(blobRefPayload{BlobRef: ref})
	if err != nil {
		return nil, "", fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"marshal blob ref stub for envelope %s", env.Meta.MessageID)
	}
	wire := env.Clone()
	wire.Payload = stub
	return wire, ref, nil
}

// resolvePayload restores an externalized payload in place. Envelopes
// without a blob ref pass through untouched.
func resolvePayload(ctx context.Context, ext *blob.Externalizer, env *envelope.Envelope, ref string) error {
	if ref == "" {
		return nil
	}
	if ext == nil {
		return fault.New(fault.KindCheckpoint, fault.CodeBlobMissing,
			"envelope %s references blob %s but no blob store is configured", env.Meta.MessageID, ref)
	}
	data, err := ext.Resolve(ctx, nil, ref)
	if err != nil {
		return fmt.Errorf("resolve payload of envelope %s: %w", env.Meta.MessageID, err)
	}
	env.Payload = data
	return nil
}

// marshalWireEnvelope renders the envelope for a stream entry field.
func marshalWireEnvelope(env *envelope.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"marshal envelope %s", env.Meta.MessageID)
	}
	return string(body), nil
}

// decodeWireEnvelope parses the stream entry JSON back into an envelope.
func decodeWireEnvelope(raw string) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fault.Wrap(err, fault.KindValidation, fault.CodeInvalidEnvelope,
			"stream entry does not decode to an envelope")
	}
	return &env, nil
}

// replyPublisher is the internal hook Request uses to attach the reply
// topic to the outgoing envelope's stream entry.
type replyPublisher interface {
	publishWithReply(ctx context.Context, topicName string, env *envelope.Envelope, replyTo string) (string, error)
}

// doRequest implements the request/response exchange shared by every
// variant: publish with an ephemeral reply topic attached, wait for the
// first response carrying correlation_id = the request's message_id.
func doRequest(ctx context.Context, t Transport, rp replyPublisher, topicName string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = env.Meta.MessageID
	}
	replyTopic, err := topic.Reply(env.Meta.Tenant, env.Meta.Project, env.Meta.MessageID)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"build reply topic for envelope %s", env.Meta.MessageID)
	}
	if err := t.CreateTopic(ctx, replyTopic); err != nil {
		return nil, err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = t.DeleteTopic(cleanupCtx, replyTopic)
	}()

	responses := make(chan *envelope.Envelope, 1)
	sub, err := t.Subscribe(ctx, replyTopic, SubscribeOptions{
		Group:    "reply",
		Consumer: env.Meta.MessageID,
	}, func(ctx context.Context, d *Delivery) {
		if d.Envelope.Meta.CorrelationID != env.Meta.MessageID {
			_ = d.Ack(ctx) // stray entry on our ephemeral stream
			return
		}
		_ = d.Ack(ctx)
		select {
		case responses <- d.Envelope:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Close() }()

	if _, err := rp.publishWithReply(ctx, topicName, env, replyTopic); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-responses:
		return resp, nil
	case <-timer.C:
		return nil, fault.New(fault.KindTransport, fault.CodeTimeout,
			"request %s on %s timed out after %s", env.Meta.MessageID, topicName, timeout)
	case <-ctx.Done():
		return nil, fault.Wrap(ctx.Err(), fault.KindTransport, fault.CodeTimeout,
			"request %s on %s canceled", env.Meta.MessageID, topicName)
	}
}
