package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/security"
	"github.com/testfabric/cmo/pkg/topic"
	"github.com/testfabric/cmo/pkg/transport"
)

const testTopic = "qa.wesign.contracts.task.invoke"

func testEnvelope(t *testing.T, opts ...envelope.Option) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeTaskInvoke,
		envelope.Agent("planner"), []envelope.AgentID{envelope.Agent("specialist-sel")},
		"wesign", "contracts",
		envelope.TaskInvokePayload{Task: "summarize"},
		opts...,
	)
	require.NoError(t, err)
	return env
}

func newFabric(t *testing.T) *transport.MemoryTransport {
	t.Helper()
	tr := transport.NewMemoryTransport()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

// subscribeDLQ collects rejected deliveries off the topic's DLQ.
func subscribeDLQ(t *testing.T, tr *transport.MemoryTransport, topicName string) <-chan *transport.Delivery {
	t.Helper()
	dead := make(chan *transport.Delivery, 8)
	sub, err := tr.Subscribe(context.Background(), topic.DLQ(topicName),
		transport.SubscribeOptions{Group: "dlq", Consumer: "d1"},
		func(ctx context.Context, d *transport.Delivery) {
			require.NoError(t, d.Ack(ctx))
			dead <- d
		})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return dead
}

func waitDelivery(t *testing.T, ch <-chan *transport.Delivery) *transport.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery before timeout")
		return nil
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next transport.Handler) transport.Handler {
			return func(ctx context.Context, d *transport.Delivery) {
				order = append(order, name)
				next(ctx, d)
			}
		}
	}
	h := Chain(tag("replay"), tag("policy"), tag("idempotency"))(func(context.Context, *transport.Delivery) {
		order = append(order, "handler")
	})
	h(context.Background(), &transport.Delivery{})
	assert.Equal(t, []string{"replay", "policy", "idempotency", "handler"}, order)
}

func TestReplayProtectionRejectsStale(t *testing.T) {
	tr := newFabric(t)
	ctx := context.Background()
	dead := subscribeDLQ(t, tr, testTopic)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	guard := security.NewReplayGuard(security.ReplayConfig{}, nil).
		WithClock(func() time.Time { return now })

	handled := make(chan *transport.Delivery, 2)
	handler := Chain(ReplayProtection(guard, nil))(func(ctx context.Context, d *transport.Delivery) {
		require.NoError(t, d.Ack(ctx))
		handled <- d
	})
	sub, err := tr.Subscribe(ctx, testTopic, transport.SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer sub.Close()

	stale := testEnvelope(t, envelope.WithTimestamp(now.Add(-10*time.Minute)))
	_, err = tr.Publish(ctx, testTopic, stale)
	require.NoError(t, err)

	d := waitDelivery(t, dead)
	assert.Equal(t, "timestamp_stale", d.Reason)
	assert.Equal(t, stale.Meta.MessageID, d.Envelope.Meta.MessageID)

	fresh := testEnvelope(t, envelope.WithTimestamp(now))
	_, err = tr.Publish(ctx, testTopic, fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh.Meta.MessageID, waitDelivery(t, handled).Envelope.Meta.MessageID)
}

func TestPolicyGateDeny(t *testing.T) {
	tr := newFabric(t)
	ctx := context.Background()
	dead := subscribeDLQ(t, tr, testTopic)

	point, err := NewCELPolicyPoint([]Rule{
		{Name: "untrusted-planner", Expr: `from == "mallory"`, Effect: "deny", Reason: "untrusted_source"},
	})
	require.NoError(t, err)

	handled := make(chan *transport.Delivery, 2)
	handler := Chain(PolicyGate(point, nil))(func(ctx context.Context, d *transport.Delivery) {
		require.NoError(t, d.Ack(ctx))
		handled <- d
	})
	sub, err := tr.Subscribe(ctx, testTopic, transport.SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer sub.Close()

	bad, err := envelope.New(envelope.TypeTaskInvoke,
		envelope.Agent("mallory"), []envelope.AgentID{envelope.Agent("specialist-sel")},
		"wesign", "contracts", envelope.TaskInvokePayload{Task: "exfiltrate"})
	require.NoError(t, err)
	_, err = tr.Publish(ctx, testTopic, bad)
	require.NoError(t, err)

	d := waitDelivery(t, dead)
	assert.Equal(t, "untrusted_source", d.Reason)

	good := testEnvelope(t)
	_, err = tr.Publish(ctx, testTopic, good)
	require.NoError(t, err)
	assert.Equal(t, good.Meta.MessageID, waitDelivery(t, handled).Envelope.Meta.MessageID)
}

func TestPolicyGateCaveat(t *testing.T) {
	tr := newFabric(t)
	ctx := context.Background()

	point, err := NewCELPolicyPoint([]Rule{
		{
			Name:       "mask-pii",
			Expr:       `type == "TaskInvoke" && tenant == "wesign"`,
			Effect:     "caveat",
			Constraint: transport.Constraint{Rule: "mask_fields", Detail: "email,ssn"},
		},
	})
	require.NoError(t, err)

	handled := make(chan *transport.Delivery, 1)
	handler := Chain(PolicyGate(point, nil))(func(ctx context.Context, d *transport.Delivery) {
		require.NoError(t, d.Ack(ctx))
		handled <- d
	})
	sub, err := tr.Subscribe(ctx, testTopic, transport.SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, testTopic, testEnvelope(t))
	require.NoError(t, err)

	d := waitDelivery(t, handled)
	require.Len(t, d.Constraints, 1)
	assert.Equal(t, "mask_fields", d.Constraints[0].Rule)
	assert.Equal(t, "email,ssn", d.Constraints[0].Detail)
}

func TestPolicyGateFailsClosed(t *testing.T) {
	tr := newFabric(t)
	ctx := context.Background()
	dead := subscribeDLQ(t, tr, testTopic)

	// Selecting a missing payload key errors at eval time.
	point, err := NewCELPolicyPoint([]Rule{
		{Name: "broken", Expr: `payload.nope == "x"`, Effect: "deny"},
	})
	require.NoError(t, err)

	handler := Chain(PolicyGate(point, nil))(func(ctx context.Context, d *transport.Delivery) {
		t.Error("handler must not run when policy evaluation fails")
	})
	sub, err := tr.Subscribe(ctx, testTopic, transport.SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, testTopic, testEnvelope(t))
	require.NoError(t, err)

	assert.Equal(t, "deny", waitDelivery(t, dead).Reason)
}

func TestPolicyRuleValidation(t *testing.T) {
	_, err := NewCELPolicyPoint([]Rule{{Name: "x", Expr: "true", Effect: "shrug"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown effect")

	_, err = NewCELPolicyPoint([]Rule{{Name: "x", Expr: "tenant ==", Effect: "deny"}})
	require.Error(t, err)
}

func TestIdempotencyDropsDuplicate(t *testing.T) {
	tr := newFabric(t)
	ctx := context.Background()

	handled := make(chan string, 2)
	handler := Chain(Idempotency(NewMemoryKV(), 0, nil))(func(ctx context.Context, d *transport.Delivery) {
		require.NoError(t, d.Ack(ctx))
		handled <- d.Envelope.Meta.MessageID
	})
	sub, err := tr.Subscribe(ctx, testTopic, transport.SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer sub.Close()

	env := testEnvelope(t)
	security.StampIdempotencyKey(env)
	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)
	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("first copy never handled")
	}
	select {
	case id := <-handled:
		t.Fatalf("duplicate %s dispatched", id)
	case <-time.After(300 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		stats, err := tr.Stats(ctx)
		return err == nil && stats.Acked == 2
	}, 2*time.Second, 20*time.Millisecond, "duplicate is acked, not redelivered")
}

func TestIdempotencyReleasesOnNack(t *testing.T) {
	tr := newFabric(t)
	ctx := context.Background()

	handled := make(chan int, 2)
	handler := Chain(Idempotency(NewMemoryKV(), 0, nil))(func(ctx context.Context, d *transport.Delivery) {
		handled <- d.Attempt
		if d.Attempt == 0 {
			require.NoError(t, d.Nack(ctx))
			return
		}
		require.NoError(t, d.Ack(ctx))
	})
	sub, err := tr.Subscribe(ctx, testTopic, transport.SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer sub.Close()

	env := testEnvelope(t)
	security.StampIdempotencyKey(env)
	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	var got []int
	for len(got) < 2 {
		select {
		case a := <-handled:
			got = append(got, a)
		case <-deadline:
			t.Fatalf("saw attempts %v before timeout", got)
		}
	}
	assert.Equal(t, []int{0, 1}, got, "nacked delivery must reach the handler again")
}

func TestMemoryKVExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kv := NewMemoryKV().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held key must not be claimable")

	now = now.Add(2 * time.Minute)
	ok, err = kv.SetNX(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key is claimable again")

	require.NoError(t, kv.Release(ctx, "k"))
	ok, err = kv.SetNX(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key is claimable again")
}
