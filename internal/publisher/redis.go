package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors notifications onto Redis pub/sub channels so other
// dashboard processes can relay them to their own browser clients.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the Redis publisher.
type RedisOptions struct {
	Addr          string
	ChannelPrefix string
	DialTimeout   time.Duration
	PingTimeout   time.Duration
}

// NewRedisPublisher connects to Redis and validates connectivity via PING.
func NewRedisPublisher(ctx context.Context, opts RedisOptions) (*RedisPublisher, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return &RedisPublisher{client: client, prefix: opts.ChannelPrefix}, nil
}

// RedisChannel maps a hub topic onto a Redis channel: agent_1080 becomes
// <prefix>:agent_1080.
func RedisChannel(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + ":" + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, RedisChannel(p.prefix, topic), payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
