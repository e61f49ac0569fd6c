package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/testfabric/cmo/pkg/blob"
	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
	"github.com/testfabric/cmo/pkg/topic"
)

// MemoryTransport is the in-process twin of the Redis variant: an
// append-only log per topic with consumer-group cursors and per-entry
// ownership. Tests and single-node runs use it; semantics match the
// broker (nack appends a fresh copy, reject moves to the DLQ stream).
type MemoryTransport struct {
	mu        sync.Mutex
	connected bool
	topics    map[string]*memTopic
	seq       int64

	ext *blob.Externalizer

	published atomic.Uint64
	consumed  atomic.Uint64
	acked     atomic.Uint64
	nacked    atomic.Uint64
	rejected  atomic.Uint64
	requests  atomic.Uint64
}

type memEntry struct {
	id      string
	env     *envelope.Envelope
	attempt int
	replyTo string
	reason  string
	source  string
	blobRef string
}

type memGroup struct {
	cursor  int
	pending map[string]int // entry id -> entry index
}

type memTopic struct {
	entries  []*memEntry
	groups   map[string]*memGroup
	watchers map[*memorySubscription]chan struct{}
}

// MemoryOption adjusts a MemoryTransport.
type MemoryOption func(*MemoryTransport)

// WithMemoryExternalizer enables payload externalization over the cap.
func WithMemoryExternalizer(ext *blob.Externalizer) MemoryOption {
	return func(t *MemoryTransport) { t.ext = ext }
}

// NewMemoryTransport creates a disconnected in-memory transport.
func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	t := &MemoryTransport{topics: make(map[string]*memTopic)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *MemoryTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	var subs []*memorySubscription
	for _, mt := range t.topics {
		for sub := range mt.watchers {
			subs = append(subs, sub)
		}
	}
	t.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// topicLocked returns the topic, creating it when create is set.
// Callers hold t.mu.
func (t *MemoryTransport) topicLocked(name string, create bool) *memTopic {
	mt, ok := t.topics[name]
	if !ok && create {
		mt = &memTopic{
			groups:   make(map[string]*memGroup),
			watchers: make(map[*memorySubscription]chan struct{}),
		}
		t.topics[name] = mt
	}
	return mt
}

func (t *MemoryTransport) appendLocked(name string, e *memEntry) string {
	mt := t.topicLocked(name, true)
	t.seq++
	e.id = fmt.Sprintf("%d-0", t.seq)
	mt.entries = append(mt.entries, e)
	for _, wake := range mt.watchers {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	return e.id
}

func (t *MemoryTransport) Publish(ctx context.Context, topicName string, env *envelope.Envelope) (string, error) {
	return t.publishWithReply(ctx, topicName, env, "")
}

func (t *MemoryTransport) publishWithReply(ctx context.Context, topicName string, env *envelope.Envelope, replyTo string) (string, error) {
	wire, ref, err := externalizePayload(ctx, t.ext, env)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return "", errNotConnected("memory")
	}
	id := t.appendLocked(topicName, &memEntry{
		env:     wire.Clone(),
		replyTo: replyTo,
		blobRef: ref,
	})
	t.published.Add(1)
	return id, nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, topicName string, opts SubscribeOptions, h Handler) (Subscription, error) {
	opts = opts.withDefaults()
	if opts.Group == "" {
		return nil, fault.New(fault.KindTransport, fault.CodeSubscribeFailed,
			"subscribe to %s: group is required", topicName)
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, errNotConnected("memory")
	}
	mt := t.topicLocked(topicName, true)
	if _, ok := mt.groups[opts.Group]; !ok {
		// New groups read from id 0, like XGROUP CREATE with start 0.
		mt.groups[opts.Group] = &memGroup{pending: make(map[string]int)}
	}
	sub := &memorySubscription{
		t:       t,
		topic:   topicName,
		opts:    opts,
		handler: h,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	mt.watchers[sub] = sub.wake
	t.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// claim hands the next unowned entry to the subscription, or nil. The
// second return is the blob ref of an externalized payload.
func (t *MemoryTransport) claim(sub *memorySubscription) (*Delivery, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt, ok := t.topics[sub.topic]
	if !ok {
		return nil, ""
	}
	g := mt.groups[sub.opts.Group]
	if g == nil || g.cursor >= len(mt.entries) {
		return nil, ""
	}
	idx := g.cursor
	g.cursor++
	e := mt.entries[idx]
	g.pending[e.id] = idx
	t.consumed.Add(1)
	sub.outstanding.Add(1)

	d := &Delivery{
		Envelope: e.env.Clone(),
		Topic:    sub.topic,
		ID:       e.id,
		Attempt:  e.attempt,
		ReplyTo:  e.replyTo,
		Reason:   e.reason,
		acker:    &memAcker{t: t, sub: sub},
	}
	return d, e.blobRef
}

type memAcker struct {
	t   *MemoryTransport
	sub *memorySubscription
}

func (a *memAcker) settleLocked(d *Delivery) (*memEntry, *memGroup, bool) {
	mt, ok := a.t.topics[d.Topic]
	if !ok {
		return nil, nil, false
	}
	g := mt.groups[a.sub.opts.Group]
	if g == nil {
		return nil, nil, false
	}
	idx, ok := g.pending[d.ID]
	if !ok {
		return nil, nil, false
	}
	delete(g.pending, d.ID)
	return mt.entries[idx], g, true
}

func (a *memAcker) ack(_ context.Context, d *Delivery) error {
	a.t.mu.Lock()
	_, _, ok := a.settleLocked(d)
	a.t.mu.Unlock()
	if !ok {
		return fault.New(fault.KindTransport, fault.CodePublishFailed,
			"ack %s on %s: not pending", d.ID, d.Topic)
	}
	a.t.acked.Add(1)
	a.sub.settle()
	return nil
}

func (a *memAcker) nack(_ context.Context, d *Delivery) error {
	a.t.mu.Lock()
	e, _, ok := a.settleLocked(d)
	if ok {
		t := a.t
		t.appendLocked(d.Topic, &memEntry{
			env:     e.env,
			attempt: e.attempt + 1,
			replyTo: e.replyTo,
			blobRef: e.blobRef,
		})
	}
	a.t.mu.Unlock()
	if !ok {
		return fault.New(fault.KindTransport, fault.CodePublishFailed,
			"nack %s on %s: not pending", d.ID, d.Topic)
	}
	a.t.nacked.Add(1)
	a.sub.settle()
	return nil
}

func (a *memAcker) reject(_ context.Context, d *Delivery, reason string) error {
	a.t.mu.Lock()
	e, _, ok := a.settleLocked(d)
	if ok {
		a.t.appendLocked(topic.DLQ(d.Topic), &memEntry{
			env:     e.env,
			attempt: e.attempt,
			reason:  reason,
			source:  d.Topic,
			blobRef: e.blobRef,
		})
	}
	a.t.mu.Unlock()
	if !ok {
		return fault.New(fault.KindTransport, fault.CodePublishFailed,
			"reject %s on %s: not pending", d.ID, d.Topic)
	}
	a.t.rejected.Add(1)
	a.sub.settle()
	return nil
}

type memorySubscription struct {
	t       *MemoryTransport
	topic   string
	opts    SubscribeOptions
	handler Handler

	outstanding atomic.Int64
	wake        chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once
}

func (s *memorySubscription) Topic() string { return s.topic }
func (s *memorySubscription) Group() string { return s.opts.Group }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.t.mu.Lock()
		if mt, ok := s.t.topics[s.topic]; ok {
			delete(mt.watchers, s)
		}
		s.t.mu.Unlock()
	})
	return nil
}

// settle signals the loop that flow control may have headroom again.
func (s *memorySubscription) settle() {
	s.outstanding.Add(-1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if s.outstanding.Load() >= s.opts.MaxPending {
			s.idle(ctx)
			continue
		}
		d, blobRef := s.t.claim(s)
		if d == nil {
			s.idle(ctx)
			continue
		}
		if err := resolvePayload(ctx, s.t.ext, d.Envelope, blobRef); err != nil {
			_ = d.Reject(ctx, fault.CodeBlobMissing)
			continue
		}
		s.handler(ctx, d)
	}
}

func (s *memorySubscription) idle(ctx context.Context) {
	timer := time.NewTimer(s.opts.Block)
	defer timer.Stop()
	select {
	case <-s.wake:
	case <-timer.C:
	case <-s.stopCh:
	case <-ctx.Done():
	}
}

func (t *MemoryTransport) Request(ctx context.Context, topicName string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	t.requests.Add(1)
	return doRequest(ctx, t, t, topicName, env, timeout)
}

func (t *MemoryTransport) CreateTopic(_ context.Context, topicName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errNotConnected("memory")
	}
	t.topicLocked(topicName, true)
	return nil
}

func (t *MemoryTransport) DeleteTopic(_ context.Context, topicName string) error {
	t.mu.Lock()
	mt, ok := t.topics[topicName]
	if ok {
		delete(t.topics, topicName)
	}
	t.mu.Unlock()
	if ok {
		for sub := range mt.watchers {
			_ = sub.Close()
		}
	}
	return nil
}

func (t *MemoryTransport) PurgeTopic(_ context.Context, topicName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	mt, ok := t.topics[topicName]
	if !ok {
		return nil
	}
	mt.entries = nil
	for _, g := range mt.groups {
		g.cursor = 0
		g.pending = make(map[string]int)
	}
	return nil
}

func (t *MemoryTransport) Stats(context.Context) (*Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := &Stats{
		Connected: t.connected,
		Published: t.published.Load(),
		Consumed:  t.consumed.Load(),
		Acked:     t.acked.Load(),
		Nacked:    t.nacked.Load(),
		Rejected:  t.rejected.Load(),
		Requests:  t.requests.Load(),
		Topics:    make(map[string]TopicStats, len(t.topics)),
	}
	for name, mt := range t.topics {
		var pending int64
		for _, g := range mt.groups {
			pending += int64(len(g.pending))
		}
		stats.Topics[name] = TopicStats{Length: int64(len(mt.entries)), Pending: pending}
	}
	return stats, nil
}

func (t *MemoryTransport) HealthCheck(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errNotConnected("memory")
	}
	return nil
}
