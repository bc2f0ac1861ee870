package notify

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub. Channels use ':' separators.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher constructs a publisher; prefix is prepended to every channel.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	channel := strings.ReplaceAll(topic, "/", ":")
	if p.prefix != "" {
		channel = p.prefix + ":" + channel
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis notifier: publish: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the container.
func (p *RedisPublisher) Close() error {
	return nil
}
