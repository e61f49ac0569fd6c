package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/topic"
)

const (
	// streamPrefix namespaces every topic's stream key.
	streamPrefix = "cmo:stream:"
	// initGroup anchors a stream created by CreateTopic before any
	// subscriber group exists.
	initGroup = "cmo:init"
	// defaultClaimMinIdle is how long a PEL entry may sit with a dead
	// consumer before another consumer claims it.
	defaultClaimMinIdle = 30 * time.Second
)

// RedisConfig tunes the Redis Streams transport.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// GroupPrefix namespaces consumer groups, default "cmo".
	GroupPrefix string
	// PublishRate caps publishes per second; zero means unlimited.
	PublishRate float64
	// PublishBurst is the limiter burst, default 1 when rate is set.
	PublishBurst int
	// Backoff is the publish retry schedule.
	Backoff BackoffPolicy
	// ClaimMinIdle is the PEL age after which entries owned by dead
	// consumers are claimed by the reading consumer.
	ClaimMinIdle time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.GroupPrefix == "" {
		c.GroupPrefix = "cmo"
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = defaultClaimMinIdle
	}
	if c.PublishRate > 0 && c.PublishBurst <= 0 {
		c.PublishBurst = 1
	}
	return c
}

// RedisTransport maps one topic to one stream key and one logical
// subscriber role to one consumer group. Messages are owned from
// XREADGROUP until XACK; nack appends a fresh copy and acks the
// original; reject appends to the topic's .dlq stream.
type RedisTransport struct {
	cfg     RedisConfig
	client  *redis.Client
	ext     *blob.Externalizer
	limiter *rate.Limiter

	connected atomic.Bool

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	topics map[string]map[string]struct{} // topic -> groups seen

	published atomic.Uint64
	consumed  atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
	rejected  atomic.Uint64
	requests  atomic.Uint64
}

// RedisOption adjusts a RedisTransport.
type RedisOption func(*RedisTransport)

// WithRedisExternalizer enables payload externalization over the cap.
func WithRedisExternalizer(ext *blob.Externalizer) RedisOption {
	return func(t *RedisTransport) { t.ext = ext }
}

// WithRedisClient injects a pre-built client, bypassing URL parsing.
// Tests use this with a miniredis-backed client.
func WithRedisClient(client *redis.Client) RedisOption {
	return func(t *RedisTransport) { t.client = client }
}

// NewRedisTransport creates a disconnected transport.
func NewRedisTransport(cfg RedisConfig, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{
		cfg:    cfg.withDefaults(),
		subs:   make(map[*redisSubscription]struct{}),
		topics: make(map[string]map[string]struct{}),
	}
	if t.cfg.PublishRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(t.cfg.PublishRate), t.cfg.PublishBurst)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RedisTransport) streamKey(topicName string) string { return streamPrefix + topicName }

func (t *RedisTransport) groupName(group string) string { return t.cfg.GroupPrefix + ":" + group }

func (t *RedisTransport) Connect(ctx context.Context) error {
	if t.client == nil {
		opts, err := redis.ParseURL(t.cfg.URL)
		if err != nil {
			return fault.Wrap(err, fault.KindTransport, fault.CodeNotConnected,
				"parse redis url")
		}
		t.client = redis.NewClient(opts)
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodeNotConnected, "redis ping")
	}
	t.connected.Store(true)
	return nil
}

func (t *RedisTransport) Disconnect(context.Context) error {
	if !t.connected.Swap(false) {
		return nil
	}
	t.mu.Lock()
	subs := make([]*redisSubscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return t.client.Close()
}

// rememberTopic tracks topics and groups this process touched so Stats
// can report stream depth without scanning the keyspace.
func (t *RedisTransport) rememberTopic(topicName, group string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	groups, ok := t.topics[topicName]
	if !ok {
		groups = make(map[string]struct{})
		t.topics[topicName] = groups
	}
	if group != "" {
		groups[group] = struct{}{}
	}
}

func (t *RedisTransport) Publish(ctx context.Context, topicName string, env *envelope.Envelope) (string, error) {
	return t.publishWithReply(ctx, topicName, env, "")
}

func (t *RedisTransport) publishWithReply(ctx context.Context, topicName string, env *envelope.Envelope, replyTo string) (string, error) {
	if !t.connected.Load() {
		return "", errNotConnected("redis")
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return "", fault.Wrap(err, fault.KindTransport, fault.CodeBackpressure,
				"publish to %s rate limited", topicName)
		}
	}
	wire, ref, err := externalizePayload(ctx, t.ext, env)
	if err != nil {
		return "", err
	}
	body, err := marshalWireEnvelope(wire)
	if err != nil {
		return "", err
	}
	values := map[string]any{
		fieldEnvelope:  body,
		fieldPartition: topic.PartitionKey(env.Meta.Tenant, env.Meta.Project, env.Meta.TraceID),
		fieldAttempt:   0,
	}
	if replyTo != "" {
		values[fieldReplyTo] = replyTo
	}
	if ref != "" {
		values[fieldBlobRef] = ref
	}
	id, err := t.appendWithRetry(ctx, topicName, env.Meta.MessageID, values)
	if err != nil {
		return "", err
	}
	t.rememberTopic(topicName, "")
	t.published.Add(1)
	return id, nil
}

// appendWithRetry XADDs with the deterministic backoff schedule. The
// final failure is classified publish_failed.
func (t *RedisTransport) appendWithRetry(ctx context.Context, topicName, seed string, values map[string]any) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.cfg.Backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := t.cfg.Backoff.Delay(topicName+":"+seed, attempt-1)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", fault.Wrap(ctx.Err(), fault.KindTransport, fault.CodePublishFailed,
					"publish to %s canceled", topicName)
			}
		}
		id, err := t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: t.streamKey(topicName),
			Values: values,
		}).Result()
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", fault.Wrap(lastErr, fault.KindTransport, fault.CodePublishFailed,
		"publish to %s after %d attempts", topicName, t.cfg.Backoff.MaxAttempts+1)
}

func (t *RedisTransport) ensureGroup(ctx context.Context, topicName, group, start string) error {
	err := t.client.XGroupCreateMkStream(ctx, t.streamKey(topicName), group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fault.Wrap(err, fault.KindTransport, fault.CodeSubscribeFailed,
			"create group %s on %s", group, topicName)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topicName string, opts SubscribeOptions, h Handler) (Subscription, error) {
	if !t.connected.Load() {
		return nil, errNotConnected("redis")
	}
	opts = opts.withDefaults()
	if opts.Group == "" || opts.Consumer == "" {
		return nil, fault.New(fault.KindTransport, fault.CodeSubscribeFailed,
			"subscribe to %s: group and consumer are required", topicName)
	}
	group := t.groupName(opts.Group)
	if err := t.ensureGroup(ctx, topicName, group, "0"); err != nil {
		return nil, err
	}
	t.rememberTopic(topicName, group)

	sub := &redisSubscription{
		t:       t,
		topic:   topicName,
		group:   group,
		opts:    opts,
		handler: h,
		settled: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

type redisSubscription struct {
	t       *RedisTransport
	topic   string
	group   string
	opts    SubscribeOptions
	handler Handler

	outstanding atomic.Int64
	settled     chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once

	// autoclaimCursor walks the PEL for entries orphaned by dead
	// consumers.
	autoclaimCursor string
}

func (s *redisSubscription) Topic() string { return s.topic }
func (s *redisSubscription) Group() string { return s.opts.Group }

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
	return nil
}

func (s *redisSubscription) settle() {
	s.outstanding.Add(-1)
	select {
	case s.settled <- struct{}{}:
	default:
	}
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.doneCh)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		// Flow control: pause reads at the pending cap.
		if s.outstanding.Load() >= s.opts.MaxPending {
			timer := time.NewTimer(s.opts.Block)
			select {
			case <-s.settled:
			case <-timer.C:
			case <-s.stopCh:
			case <-ctx.Done():
			}
			timer.Stop()
			continue
		}
		msgs, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient broker error; brief pause avoids a tight loop.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			s.dispatch(ctx, msg)
		}
	}
}

// read pulls the next batch: fresh entries first, then a pass over the
// PEL for entries whose consumer died.
func (s *redisSubscription) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.t.streamKey(s.topic), ">"},
		Count:    DefaultBatch,
		Block:    s.opts.Block,
	}).Result()
	if err == nil {
		for _, st := range streams {
			if len(st.Messages) > 0 {
				return st.Messages, nil
			}
		}
		return nil, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	// Nothing fresh: claim entries stuck with dead consumers.
	if s.autoclaimCursor == "" {
		s.autoclaimCursor = "0-0"
	}
	claimed, next, err := s.t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.t.streamKey(s.topic),
		Group:    s.group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.t.cfg.ClaimMinIdle,
		Start:    s.autoclaimCursor,
		Count:    DefaultBatch,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	s.autoclaimCursor = next
	return claimed, nil
}

func (s *redisSubscription) dispatch(ctx context.Context, msg redis.XMessage) {
	env, attempt, replyTo, reason, blobRef, err := parseEntry(msg.Values)
	if err != nil {
		s.deadLetter(ctx, msg, fault.CodeInvalidEnvelope)
		return
	}
	if err := resolvePayload(ctx, s.t.ext, env, blobRef); err != nil {
		s.deadLetter(ctx, msg, fault.CodeBlobMissing)
		return
	}
	s.t.consumed.Add(1)
	s.outstanding.Add(1)
	d := &Delivery{
		Envelope: env,
		Topic:    s.topic,
		ID:       msg.ID,
		Attempt:  attempt,
		ReplyTo:  replyTo,
		Reason:   reason,
		acker:    &redisAcker{sub: s, values: msg.Values},
	}
	s.handler(ctx, d)
}

// deadLetter moves an entry the consumer could never hand to a handler
// (undecodable, or its externalized payload is gone) onto the DLQ stream
// and acks it so the PEL does not recycle it forever.
func (s *redisSubscription) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := copyValues(msg.Values)
	values[fieldReason] = reason
	values[fieldSource] = s.topic
	pipe := s.t.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: s.t.streamKey(topic.DLQ(s.topic)), Values: values})
	pipe.XAck(ctx, s.t.streamKey(s.topic), s.group, msg.ID)
	if _, err := pipe.Exec(ctx); err == nil {
		s.t.rejected.Add(1)
	}
}

type redisAcker struct {
	sub    *redisSubscription
	values map[string]any
}

func (a *redisAcker) ack(ctx context.Context, d *Delivery) error {
	t := a.sub.t
	err := t.client.XAck(ctx, t.streamKey(d.Topic), a.sub.group, d.ID).Err()
	a.sub.settle()
	if err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"ack %s on %s", d.ID, d.Topic)
	}
	t.acked.Add(1)
	return nil
}

/// nack re-queues: a copy with attempt+1 is appended and the original is
// acked, so any consumer in the group can pick up the retry.
func (a *redisAcker) nack(ctx context.Context, d *Delivery) error {
	t := a.sub.t
	values := copyValues(a.values)
	values[fieldAttempt] = d.Attempt + 1
	pipe := t.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: t.streamKey(d.Topic), Values: values})
	pipe.XAck(ctx, t.streamKey(d.Topic), a.sub.group, d.ID)
	_, err := pipe.Exec(ctx)
	a.sub.settle()
	if err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"nack %s on %s", d.ID, d.Topic)
	}
	t.nacked.Add(1)
	return nil
}

func (a *redisAcker) reject(ctx context.Context, d *Delivery, reason string) error {
	t := a.sub.t
	values := copyValues(a.values)
	values[fieldReason] = reason
	values[fieldSource] = d.Topic
	pipe := t.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: t.streamKey(topic.DLQ(d.Topic)), Values: values})
	pipe.XAck(ctx, t.streamKey(d.Topic), a.sub.group, d.ID)
	_, err := pipe.Exec(ctx)
	a.sub.settle()
	if err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"reject %s on %s", d.ID, d.Topic)
	}
	t.rejected.Add(1)
	return nil
}

func (t *RedisTransport) Request(ctx context.Context, topicName string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	t.requests.Add(1)
	return doRequest(ctx, t, t, topicName, env, timeout)
}

func (t *RedisTransport) CreateTopic(ctx context.Context, topicName string) error {
	if !t.connected.Load() {
		return errNotConnected("redis")
	}
	if err := t.ensureGroup(ctx, topicName, initGroup, "$"); err != nil {
		return err
	}
	t.rememberTopic(topicName, "")
	return nil
}

func (t *RedisTransport) DeleteTopic(ctx context.Context, topicName string) error {
	if !t.connected.Load() {
		return errNotConnected("redis")
	}
	if err := t.client.Del(ctx, t.streamKey(topicName)).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"delete topic %s", topicName)
	}
	t.mu.Lock()
	delete(t.topics, topicName)
	t.mu.Unlock()
	return nil
}

func (t *RedisTransport) PurgeTopic(ctx context.Context, topicName string) error {
	if !t.connected.Load() {
		return errNotConnected("redis")
	}
	if err := t.client.XTrimMaxLen(ctx, t.streamKey(topicName), 0).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodePublishFailed,
			"purge topic %s", topicName)
	}
	return nil
}

func (t *RedisTransport) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Connected: t.connected.Load(),
		Published: t.published.Load(),
		Consumed:  t.consumed.Load(),
		Acked:     t.acked.Load(),
		Nacked:    t.nacked.Load(),
		Rejected:  t.rejected.Load(),
		Requests:  t.requests.Load(),
		Topics:    make(map[string]TopicStats),
	}
	if !stats.Connected {
		return stats, nil
	}
	t.mu.Lock()
	known := make(map[string][]string, len(t.topics))
	for name, groups := range t.topics {
		gs := make([]string, 0, len(groups))
		for g := range groups {
			gs = append(gs, g)
		}
		known[name] = gs
	}
	t.mu.Unlock()
	for name, groups := range known {
		length, err := t.client.XLen(ctx, t.streamKey(name)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}
		var pending int64
		for _, g := range groups {
			if p, err := t.client.XPending(ctx, t.streamKey(name), g).Result(); err == nil {
				pending += p.Count
			}
		}
		stats.Topics[name] = TopicStats{Length: length, Pending: pending}
	}
	return stats, nil
}

func (t *RedisTransport) HealthCheck(ctx context.Context) error {
	if !t.connected.Load() {
		return errNotConnected("redis")
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodeNotConnected, "redis ping")
	}
	return nil
}

// parseEntry decodes one stream entry's fields.
func parseEntry(values map[string]any) (env *envelope.Envelope, attempt int, replyTo, reason, blobRef string, err error) {
	raw, _ := values[fieldEnvelope].(string)
	if raw == "" {
		return nil, 0, "", "", "", fault.New(fault.KindValidation, fault.CodeInvalidEnvelope,
			"stream entry has no envelope field")
	}
	env, err = decodeWireEnvelope(raw)
	if err != nil {
		return nil, 0, "", "", "", err
	}
	if v, ok := values[fieldAttempt]; ok {
		attempt, _ = strconv.Atoi(toString(v))
	}
	replyTo = toString(values[fieldReplyTo])
	reason = toString(values[fieldReason])
	blobRef = toString(values[fieldBlobRef])
	return env, attempt, replyTo, reason, blobRef, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values)+2)
	for k, v := range values {
		out[k] = v
	}
	return out
}
