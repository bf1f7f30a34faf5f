package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier publishes alerts as JSON on a Redis channel so dashboards
// in other processes can subscribe.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

// NewRedisNotifier wraps a connected client.
func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "toolgate:alerts"
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

// Notify publishes the alert.
func (n *RedisNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
