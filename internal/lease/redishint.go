package lease

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/meshrt/internal/logging"
	"github.com/oriys/meshrt/internal/meshrt"
	"github.com/oriys/meshrt/internal/pkg/crypto"
)

// RedisHintCache is the production HintCache (§11 domain stack): a
// best-effort, non-authoritative record of which node last held the lease
// for a reference, consulted only to bias a fresh lease request and never
// treated as ground truth. Key derivation reuses crypto.HashString, the
// same digest-based key derivation the teacher used for pool keys,
// generalized here from per-function keys to per-actor-reference keys.
type RedisHintCache struct {
	client *redis.Client
	prefix string
}

// NewRedisHintCache wraps an existing redis client.
func NewRedisHintCache(client *redis.Client, prefix string) *RedisHintCache {
	if prefix == "" {
		prefix = "meshrt:lease-hint:"
	}
	return &RedisHintCache{client: client, prefix: prefix}
}

func (c *RedisHintCache) key(ref meshrt.AddressableReference) string {
	return c.prefix + crypto.HashString(ref.String())
}

// Get returns the last-known hosting node for ref, if any hint is cached.
func (c *RedisHintCache) Get(ctx context.Context, ref meshrt.AddressableReference) (meshrt.NodeId, bool) {
	v, err := c.client.Get(ctx, c.key(ref)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		logging.Op().Debug("lease hint cache read failed", "ref", ref, "error", err)
		return "", false
	}
	return meshrt.NodeId(v), true
}

// Set records a hint with ttl, best-effort (errors are logged, not
// returned, since this cache is never load-bearing for correctness).
func (c *RedisHintCache) Set(ctx context.Context, ref meshrt.AddressableReference, nodeID meshrt.NodeId, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.key(ref), string(nodeID), ttl).Err(); err != nil {
		logging.Op().Debug("lease hint cache write failed", "ref", ref, "error", err)
	}
}
