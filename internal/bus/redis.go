package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 3 * time.Second

// RedisTransport carries events over Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects to the server at url and pings it.
func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisTransport{client: c}, nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(c *redis.Client) *RedisTransport {
	return &RedisTransport{client: c}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so no message published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	f := newForwarder(memoryBufferSize, ps.Close)
	go func() {
		defer close(f.out)
		for msg := range ps.Channel() {
			if !f.forward([]byte(msg.Payload)) {
				return
			}
		}
	}()

	return f, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
