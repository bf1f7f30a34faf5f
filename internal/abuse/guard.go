package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard lets one escalation per key through within a TTL, across processes.
// A winner whose escalation could not be written releases the key.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds the guard key for an escalation.
func Key(e Escalation) string {
	return e.FlagType + ":" + e.UserID + ":" + e.ToolName
}

// NopGuard always grants. The database de-dup check still applies.
type NopGuard struct{}

// Acquire always returns true.
func (NopGuard) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// Release is a no-op.
func (NopGuard) Release(context.Context, string) error { return nil }

// RedisGuard grants with SET NX and lets the key expire after the TTL.
type RedisGuard struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisGuard wraps a connected client.
func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb, prefix: "toolgate:escalation:"}
}

// Acquire reports whether this caller won the key.
func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release deletes the key so the next escalation for it can proceed.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, g.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
