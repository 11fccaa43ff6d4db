package relay

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to addr and checks the server answers.
func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, error) {
	if channel == "" {
		return nil, fmt.Errorf("redis relay: empty channel")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, data []byte) error {
	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
