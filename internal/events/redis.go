package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "sprout:events:"

// RedisPublisher pushes events onto a per-user pub/sub channel so every
// node of a multi-node deployment can deliver them to its connected
// clients.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(url string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(opt)}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channelPrefix+ev.UserID, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

// NewPublisher picks the backend: Redis when a URL is configured, the
// in-process bus otherwise.
func NewPublisher(redisURL string) (Publisher, error) {
	if redisURL == "" {
		return NewLocalBus(), nil
	}
	return NewRedisPublisher(redisURL)
}
