package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker parses a redis:// or rediss:// URL. No connection is made
// until the first command.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	// RESP2 keeps compatibility with older servers and test fakes.
	opt.Protocol = 2
	opt.DisableIndentity = true
	return &RedisBroker{client: redis.NewClient(opt)}, nil
}

// NewRedisBrokerFromClient wraps an existing client.
func NewRedisBrokerFromClient(c *redis.Client) *RedisBroker {
	return &RedisBroker{client: c}
}

func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisBroker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBroker) Subscribe(ctx context.Context, pattern string, ready func(), handle func(string, []byte)) error {
	ps := r.client.PSubscribe(ctx, pattern)
	defer ps.Close()

	// Receive returns the subscription confirmation or the dial error.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ready()

	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		handle(msg.Channel, []byte(msg.Payload))
	}
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}
