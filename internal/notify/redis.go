package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "trackline:"

// RedisDispatcher appends notifications to a list and publishes them on a
// channel of the same name so both polling and subscribed consumers see them.
type RedisDispatcher struct {
	client *redis.Client
	prefix string
}

func NewRedisDispatcher(redisURL, prefix string) (*RedisDispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDispatcherWithClient(client, prefix), nil
}

func NewRedisDispatcherWithClient(client *redis.Client, prefix string) *RedisDispatcher {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisDispatcher{client: client, prefix: prefix}
}

// Key is the list and channel name notifications are written to.
func (d *RedisDispatcher) Key() string {
	return d.prefix + "notifications"
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.RPush(ctx, d.Key(), data)
	pipe.Publish(ctx, d.Key(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis dispatch %s: %w", n.Kind, err)
	}
	return nil
}

func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}
