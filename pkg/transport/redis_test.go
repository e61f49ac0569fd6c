package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/topic"
)

func newRedis(t *testing.T, opts ...RedisOption) *RedisTransport {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	opts = append([]RedisOption{WithRedisClient(client)}, opts...)
	tr := NewRedisTransport(RedisConfig{}, opts...)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestRedisTransport_PublishAppendsStreamEntry(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	env := testEnvelope(t)
	id, err := tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	length, err := tr.client.XLen(ctx, tr.streamKey(testTopic)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	entries, err := tr.client.XRange(ctx, tr.streamKey(testTopic), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	decoded, err := decodeWireEnvelope(entries[0].Values[fieldEnvelope].(string))
	require.NoError(t, err)
	assert.Equal(t, env.Meta.MessageID, decoded.Meta.MessageID)
	assert.Equal(t, "wesign:contracts:"+env.Meta.TraceID, entries[0].Values[fieldPartition])
}

func TestRedisTransport_SubscribeConsumesAndAcks(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	got := make(chan *Delivery, 2)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{
		Group: "workers", Consumer: "c1", Block: 50 * time.Millisecond,
	}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Ack(ctx))
		got <- d
	})
	require.NoError(t, err)
	defer sub.Close()

	sent := make(map[string]bool, 2)
	for i := 0; i < 2; i++ {
		env := testEnvelope(t)
		sent[env.Meta.MessageID] = true
		_, err := tr.Publish(ctx, testTopic, env)
		require.NoError(t, err)
	}

	for _, d := range collect(t, got, 2, 5*time.Second) {
		assert.True(t, sent[d.Envelope.Meta.MessageID])
		assert.Equal(t, 0, d.Attempt)
	}

	pending, err := tr.client.XPending(ctx, tr.streamKey(testTopic), tr.groupName("workers")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestRedisTransport_NackAppendsRetryCopy(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	attempts := make(chan int, 2)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{
		Group: "workers", Consumer: "c1", Block: 50 * time.Millisecond,
	}, func(ctx context.Context, d *Delivery) {
		attempts <- d.Attempt
		if d.Attempt == 0 {
			require.NoError(t, d.Nack(ctx))
			return
		}
		require.NoError(t, d.Ack(ctx))
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Publish(ctx, testTopic, testEnvelope(t))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
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

	// The retry is a second stream entry, the original stays acked.
	length, err := tr.client.XLen(ctx, tr.streamKey(testTopic)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, length)
}

func TestRedisTransport_RejectWritesDLQStream(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	done := make(chan struct{}, 1)
	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{
		Group: "workers", Consumer: "c1", Block: 50 * time.Millisecond,
	}, func(ctx context.Context, d *Delivery) {
		require.NoError(t, d.Reject(ctx, "policy"))
		done <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Close()

	env := testEnvelope(t)
	_, err = tr.Publish(ctx, testTopic, env)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never rejected")
	}

	entries, err := tr.client.XRange(ctx, tr.streamKey(topic.DLQ(testTopic)), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "policy", entries[0].Values[fieldReason])
	assert.Equal(t, testTopic, entries[0].Values[fieldSource])
	decoded, err := decodeWireEnvelope(entries[0].Values[fieldEnvelope].(string))
	require.NoError(t, err)
	assert.Equal(t, env.Meta.MessageID, decoded.Meta.MessageID)

	pending, err := tr.client.XPending(ctx, tr.streamKey(testTopic), tr.groupName("workers")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestRedisTransport_RequestResponse(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, testTopic, SubscribeOptions{
		Group: "specialists", Consumer: "s1", Block: 50 * time.Millisecond,
	}, func(ctx context.Context, d *Delivery) {
		reply, err := d.Envelope.Reply(envelope.TypeTaskResult, envelope.Agent("specialist-sel"),
			envelope.TaskResultPayload{Task: "summarize"})
		require.NoError(t, err)
		_, err = tr.Publish(ctx, d.ReplyTo, reply)
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx))
	})
	require.NoError(t, err)
	defer sub.Close()

	req := testEnvelope(t)
	resp, err := tr.Request(ctx, testTopic, req, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.Meta.MessageID, resp.Meta.CorrelationID)
}

func TestRedisTransport_StatsTracksDepth(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.Publish(ctx, testTopic, testEnvelope(t))
		require.NoError(t, err)
	}

	stats, err := tr.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Connected)
	assert.EqualValues(t, 3, stats.Published)
	assert.EqualValues(t, 3, stats.Topics[testTopic].Length)
}

func TestRedisTransport_PurgeAndDelete(t *testing.T) {
	tr := newRedis(t)
	ctx := context.Background()

	_, err := tr.Publish(ctx, testTopic, testEnvelope(t))
	require.NoError(t, err)

	require.NoError(t, tr.PurgeTopic(ctx, testTopic))
	length, err := tr.client.XLen(ctx, tr.streamKey(testTopic)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)

	require.NoError(t, tr.DeleteTopic(ctx, testTopic))
	exists, err := tr.client.Exists(ctx, tr.streamKey(testTopic)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists)
}

func TestRedisTransport_NotConnected(t *testing.T) {
	tr := NewRedisTransport(RedisConfig{URL: "redis://localhost:0"})
	_, err := tr.Publish(context.Background(), testTopic, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotConnected, fault.CodeOf(err))
}
