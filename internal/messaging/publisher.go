// internal/messaging/publisher.go

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventReadAdvanced        = "read.advanced"
	EventTypingChanged       = "typing.changed"
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
	EventConversationLeft    = "conversation.left"

	subscriberBufferSize = 64
)

// Event is the envelope for every realtime payload
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewEvent(eventType string, data interface{}, at time.Time) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Data: raw, Timestamp: at}, nil
}

func ConversationTopic(conversationID int64) string {
	return fmt.Sprintf("conversation.%d", conversationID)
}

func UserTopic(userID int64) string {
	return fmt.Sprintf("user.%d", userID)
}

// Publisher delivers an event to every current subscriber of a topic.
// Delivery is at-least-once at best; callers never roll back on failure.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
}

// Broadcaster is the in-process fan-out. Websocket clients subscribe to it
// directly; the redis and nats relays feed it from other workers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
	closed      bool
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events on topic. The subscription is removed
// when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish never blocks; slow subscribers lose the event.
func (b *Broadcaster) Publish(ctx context.Context, topic string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			eventsDropped.Inc()
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"sub_id", subID,
				"type", event.Type)
		}
	}
	return nil
}

func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount is the number of live subscriptions on topic
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true
}
