package membership

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// Publisher delivers eligibility events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes over Redis pub/sub
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher on client
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends payload to channel
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}
