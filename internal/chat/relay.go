package chat

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Relay carries broadcast frames through an external bus so that every hub
// subscribed to it delivers them.
type Relay interface {
	Publish(ctx context.Context, frame []byte) error
	// Listen blocks, handing each received frame to deliver, until ctx ends.
	Listen(ctx context.Context, deliver func(frame []byte))
}

const presenceChannel = "galaxy-chat:presence"

type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisRelay(client *redis.Client, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: presenceChannel, logger: logger}
}

func (r *RedisRelay) Publish(ctx context.Context, frame []byte) error {
	return r.client.Publish(ctx, r.channel, frame).Err()
}

func (r *RedisRelay) Listen(ctx context.Context, deliver func(frame []byte)) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn("redis subscription closed", "channel", r.channel)
				return
			}
			deliver([]byte(msg.Payload))
		}
	}
}
