// internal/messaging/redis.go

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher fans events out to every worker through redis pub/sub
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// RedisRelay copies events published on redis into the local broadcaster
type RedisRelay struct {
	client *redis.Client
	local  *Broadcaster
	logger *slog.Logger
}

func NewRedisRelay(client *redis.Client, local *Broadcaster, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		local:  local,
		logger: logger.With("component", "redis_relay"),
	}
}

// Run blocks until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, "conversation.*", "user.*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.logger.Info("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("discarding malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			r.local.Publish(ctx, msg.Channel, &event)
		}
	}
}
