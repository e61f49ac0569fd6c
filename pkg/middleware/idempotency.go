package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testfabric/cmo/pkg/fault"
)

// DefaultIdempotencyTTL bounds how long a processed key suppresses
// duplicates. It comfortably exceeds the replay freshness window, so a
// replayed envelope is dropped here even when its timestamp still
// passes the replay guard.
const DefaultIdempotencyTTL = 24 * time.Hour

// KV is the check-and-set store behind the idempotency guard.
type KV interface {
	// SetNX claims key for ttl. False means the key is already held:
	// the envelope is a duplicate.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claimed key so a redelivery can claim it again.
	Release(ctx context.Context, key string) error
}

// MemoryKV is the in-process KV for tests and single-node runs.
type MemoryKV struct {
	mu      sync.Mutex
	expires map[string]time.Time
	clock   func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{expires: make(map[string]time.Time), clock: time.Now}
}

// WithClock pins the clock for tests.
func (kv *MemoryKV) WithClock(clock func() time.Time) *MemoryKV {
	kv.clock = clock
	return kv
}

func (kv *MemoryKV) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	now := kv.clock()
	if deadline, ok := kv.expires[key]; ok && deadline.After(now) {
		return false, nil
	}
	kv.expires[key] = now.Add(ttl)
	return true, nil
}

func (kv *MemoryKV) Release(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.expires, key)
	return nil
}

// redisKeyPrefix namespaces guard keys in a shared keyspace.
const redisKeyPrefix = "cmo:idem:"

// RedisKV is the durable KV; SETNX gives the atomic check-and-set.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (kv *RedisKV) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := kv.client.SetNX(ctx, redisKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fault.Wrap(err, fault.KindTransport, fault.CodeNotConnected,
			"idempotency setnx %s", key)
	}
	return ok, nil
}

func (kv *RedisKV) Release(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fault.Wrap(err, fault.KindTransport, fault.CodeNotConnected,
			"idempotency release %s", key)
	}
	return nil
}
