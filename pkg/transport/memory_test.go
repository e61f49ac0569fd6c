package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/topic"
)

const testTopic = "qa.wesign.contracts.task.invoke"

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeTaskInvoke,
		envelope.Agent("planner"), []envelope.AgentID{envelope.Agent("specialist-sel")},
		"wesign", "contracts",
		envelope.TaskInvokePayload{Task: "summarize"},
	)
	require.NoError(t, err)
	return env
}

func newMemory(t *testing.T, opts ...MemoryOption) *MemoryTransport {
	t.Helper()
	tr := NewMemoryTransport(opts...)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func collect(t *testing.T, ch <-chan *Delivery, n int, timeout time.Duration) []*Delivery {
	t.Helper()
	out := make([]*Delivery, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case d := <-ch:
			out = append(out, d)
		case <-deadline:
			t.Fatalf("collected %d of %d deliveries before timeout", len(out), n)
		}
	}
	return out
}

func TestMemoryTransport_PublishRequiresConnect(t *testing.T) {
	tr := NewMemoryTransport()
	_, err := tr.Publish(context.Background(), testTopic, testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotConnected, fault.CodeOf(err))
	assert.Equal(t, fault.KindTransport, fault.KindOf(err))
}

func TestMemoryTransport_PublishSubscribeAck(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	got := make(chan *Delivery, 3)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		got <- d
	})
	require.NoError(t, err)
	defer sub.Close()

	sent := make(map[string]bool, 3)
	for i := 0; i < 3; i++ {
		env := testEnvelope(t)
		sent[env.Meta.MessageID] = true
		id, err := tr.Publish(ctx, testTopic, env)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	for _, d := range collect(t, got, 3, 2*time.Second) {
		assert.True(t, sent[d.Envelope.Meta.MessageID], "unexpected message %s", d.Envelope.Meta.MessageID)
		assert.Equal(t, testTopic, d.Topic)
		assert.Equal(t, 0, d.Attempt)
		assert.True(t, d.Settled())
	}

	stats, err := tr.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Published)
	assert.EqualValues(t, 3, stats.Acked)
	assert.EqualValues(t, 0, stats.Topics[testTopic].Pending)
}

func TestMemoryTransport_SecondSettleFails(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	got := make(chan *Delivery, 1)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		got <- d
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, testTopic, testEnvelope(t))
	require.NoError(t, err)

	d := collect(t, got, 1, 2*time.Second)[0]
	err = d.Nack(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already settled")
}

func TestMemoryTransport_GroupsShareWorkIndependently(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	const n = 10
	workers := make(chan *Delivery, n)
	handler := func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		workers <- d
	}
	s1, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, handler)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c2"}, handler)
	require.NoError(t, err)
	defer s2.Close()

	for i := 0; i < n; i++ {
		_, err := tr.Publish(ctx, testTopic, testEnvelope(t))
		require.NoError(t, err)
	}

	seen := make(map[string]int, n)
	for _, d := range collect(t, workers, n, 2*time.Second) {
		seen[d.Envelope.Meta.MessageID]++
	}
	assert.Len(t, seen, n, "each message delivered to the group exactly once")
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s duplicated within group", id)
	}

	// A group subscribed after the traffic replays the full log.
	audit := make(chan *Delivery, n)
	s3, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "audit", Consumer: "a1"}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		audit <- d
	})
	require.NoError(t, err)
	defer s3.Close()
	assert.Len(t, collect(t, audit, n, 2*time.Second), n)
}

func TestMemoryTransport_NackRedelivers(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	attempts := make(chan int, 2)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, func(ctx context.Context, d *Delivery) {
		attempts <- d.Attempt
		if d.Attempt == 0 {
			require.NoError(t, d.Nack(ctx))
			return
		}
		require.NoError(t, d.Ack(ctx))
	})
	require.NoError(t, err)
	defer sub.Close()

	env := testEnvelope(t)
	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	var got []int
	for len(got) < 2 {
		select {
		case a := <-attempts:
			got = append(got, a)
		case <-deadline:
			t.Fatalf("saw attempts %v before timeout", got)
		}
	}
	assert.Equal(t, []int{0, 1}, got)
}

func TestMemoryTransport_RejectRoutesToDLQ(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Reject(ctx, "deny"))
	})
	require.NoError(t, err)
	defer sub.Close()

	dead := make(chan *Delivery, 1)
	dlq, err := tr.Subscribe(ctx, topic.DLQ(testTopic), SubscribeOptions{Group: "dlq", Consumer: "d1"}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		dead <- d
	})
	require.NoError(t, err)
	defer dlq.Close()

	env := testEnvelope(t)
	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)

	d := collect(t, dead, 1, 2*time.Second)[0]
	assert.Equal(t, env.Meta.MessageID, d.Envelope.Meta.MessageID)
	assert.Equal(t, "deny", d.Reason)
	assert.Equal(t, topic.DLQ(testTopic), d.Topic)
}

func TestMemoryTransport_BackpressurePausesReads(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	held := make(chan *Delivery, 3)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{
		Group: "workers", Consumer: "c1", MaxPending: 1, Block: 20 * time.Millisecond,
	}, func(ctx context.Context, d *Delivery) {
		held <- d
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		_, err := tr.Publish(ctx, testTopic, testEnvelope(t))
		require.NoError(t, err)
	}

	first := collect(t, held, 1, 2*time.Second)[0]
	select {
	case <-held:
		t.Fatal("second delivery arrived while the pending cap was reached")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.Ack(ctx))
	collect(t, held, 1, 2*time.Second)
}

func TestMemoryTransport_RequestResponse(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "specialists", Consumer: "s1"}, func(ctx context.Context, d *Delivery) {
		reply, err := d.Envelope.Reply(envelope.TypeTaskResult, envelope.Agent("specialist-sel"),
			envelope.TaskResultPayload{Task: "summarize"})
		require.NoError(t, err)
		require.NotEmpty(t, d.ReplyTo)
		_, err = tr.Publish(ctx, d.ReplyTo, reply)
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx))
	})
	require.NoError(t, err)
	defer sub.Close()

	req := testEnvelope(t)
	resp, err := tr.Request(ctx, testTopic, req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.Meta.MessageID, resp.Meta.CorrelationID)
	assert.Equal(t, envelope.TypeTaskResult, resp.Meta.Type)
}

func TestMemoryTransport_RequestTimeout(t *testing.T) {
	tr := newMemory(t)

	_, err := tr.Request(context.Background(), testTopic, testEnvelope(t), 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))
	assert.Equal(t, fault.KindTransport, fault.KindOf(err))
}

func TestMemoryTransport_ExternalizesLargePayload(t *testing.T) {
	store := blob.NewMemoryStore()
	ext := blob.NewExternalizer(store, 64)
	tr := newMemory(t, WithMemoryExternalizer(ext))
	ctx := context.Background()

	got := make(chan *Delivery, 1)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		got <- d
	})
	require.NoError(t, err)
	defer sub.Close()

	env := testEnvelope(t)
	env.Payload = []byte(`{"task":"` + string(bytes.Repeat([]byte("x"), 256)) + `"}`)
	want := append([]byte(nil), env.Payload...)

	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)

	d := collect(t, got, 1, 2*time.Second)[0]
	assert.Equal(t, want, []byte(d.Envelope.Payload), "payload restored from the blob store")
	assert.Equal(t, want, []byte(env.Payload), "publish must not mutate the caller's envelope")
}

func TestMemoryTransport_PurgeTopic(t *testing.T) {
	tr := newMemory(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tr.Publish(ctx, testTopic, testEnvelope(t))
		require.NoError(t, err)
	}
	require.NoError(t, tr.PurgeTopic(ctx, testTopic))

	stats, err := tr.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Topics[testTopic].Length)
}

func TestMemoryTransport_DisconnectClosesSubscriptions(t *testing.T) {
	tr := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{Group: "workers", Consumer: "c1"}, func(context.Context, *Delivery) {})
	require.NoError(t, err)
	require.NoError(t, tr.Disconnect(ctx))

	require.Error(t, tr.HealthCheck(ctx))
	_ = sub.Close()
}
