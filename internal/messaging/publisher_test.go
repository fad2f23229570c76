package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	event, err := NewEvent(EventTypingChanged, TypingPayload{ConversationID: 9, UserID: 2, IsTyping: true}, at)
	require.NoError(t, err)

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "typing.changed",
		"data": {"conversation_id": 9, "user_id": 2, "is_typing": true},
		"timestamp": "2024-05-01T08:30:00Z"
	}`, string(raw))

	_, err = NewEvent(EventTypingChanged, make(chan int), at)
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "conversation.42", ConversationTopic(42))
	assert.Equal(t, "user.7", UserTopic(7))
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := b.Subscribe(ctx, ConversationTopic(1))
	second, _ := b.Subscribe(ctx, ConversationTopic(1))
	other, _ := b.Subscribe(ctx, ConversationTopic(2))
	assert.Equal(t, 2, b.SubscriberCount(ConversationTopic(1)))

	event := &Event{Type: EventMessageCreated}
	require.NoError(t, b.Publish(ctx, ConversationTopic(1), event))

	assert.Same(t, event, <-first)
	assert.Same(t, event, <-second)
	select {
	case <-other:
		t.Fatal("event leaked to another topic")
	default:
	}
}

func TestBroadcaster_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := b.Subscribe(ctx, UserTopic(1))
	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount(UserTopic(1)) == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-events
	assert.False(t, open)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := b.Subscribe(ctx, UserTopic(1))

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(ctx, UserTopic(1), &Event{Type: EventTypingChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, events, subscriberBufferSize)
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Close()

	events, _ := b.Subscribe(context.Background(), UserTopic(1))
	_, open := <-events
	assert.False(t, open)
}

func TestPublishFailureDoesNotFailSend(t *testing.T) {
	env := newTestEnv(t)
	conv := env.direct(t, alice, bob)

	env.publisher.err = assert.AnError
	msg, err := env.messages.Send(context.Background(), conv.ID, alice, &SendMessageRequest{Body: "still stored"}, nil)
	require.NoError(t, err)

	stored, err := env.repo.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "still stored", *stored.Body)
}

func TestPublishSurvivesCancelledRequest(t *testing.T) {
	env := newTestEnv(t)
	conv := env.direct(t, alice, bob)
	env.publisher.reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub := &contextCheckingPublisher{}
	svc := NewSignalingService(env.repo, pub, WithClock(env.clock.Now))
	require.NoError(t, svc.SetTyping(ctx, conv.ID, alice, true))
	assert.NoError(t, pub.ctxErr)
	assert.True(t, pub.called)
}

type contextCheckingPublisher struct {
	called bool
	ctxErr error
}

func (p *contextCheckingPublisher) Publish(ctx context.Context, topic string, event *Event) error {
	p.called = true
	p.ctxErr = ctx.Err()
	return nil
}
