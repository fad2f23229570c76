// internal/messaging/nats.go

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher sends events on core NATS subjects named after the topic
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", topic, err)
	}
	return nil
}

// NATSRelay copies events from NATS into the local broadcaster
type NATSRelay struct {
	nc     *nats.Conn
	local  *Broadcaster
	logger *slog.Logger
}

func NewNATSRelay(nc *nats.Conn, local *Broadcaster, logger *slog.Logger) *NATSRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{
		nc:     nc,
		local:  local,
		logger: logger.With("component", "nats_relay"),
	}
}

// Run blocks until ctx is cancelled
func (r *NATSRelay) Run(ctx context.Context) error {
	handler := func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			r.logger.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
			return
		}
		r.local.Publish(ctx, msg.Subject, &event)
	}

	var subs []*nats.Subscription
	for _, subject := range []string{"conversation.*", "user.*"} {
		sub, err := r.nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
		}
		subs = append(subs, sub)
	}
	r.logger.Info("relay subscribed")

	<-ctx.Done()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}
