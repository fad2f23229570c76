// internal/messaging/service.go

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultPublishTimeout      = 2 * time.Second
	DefaultMaxAttachmentSize   = 25 << 20 // 25MB
	DefaultMaxAttachments      = 10
	defaultConversationPageLen = 20
	defaultMessagePageLen      = 50
	maxPageLen                 = 100
)

// Option configures any of the messaging services
type Option func(*base)

func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for edit and delete window tests
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

func WithPolicy(policy Policy) Option {
	return func(b *base) { b.policy = policy }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(b *base) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

func WithBlobStore(blobs *BlobStore) Option {
	return func(b *base) { b.blobs = blobs }
}

// WithURLs sets where attachment links point
func WithURLs(urls URLBuilder) Option {
	return func(b *base) { b.urls = urls }
}

func WithAttachmentLimits(maxSize int64, maxCount int) Option {
	return func(b *base) {
		if maxSize > 0 {
			b.maxAttachmentSize = maxSize
		}
		if maxCount > 0 {
			b.maxAttachments = maxCount
		}
	}
}

// base carries what every service shares: the store, the publisher and
// the policy, plus the hooks used to publish after commit.
type base struct {
	repo              Repository
	publisher         Publisher
	blobs             *BlobStore
	policy            Policy
	logger            *slog.Logger
	now               func() time.Time
	publishTimeout    time.Duration
	urls              URLBuilder
	maxAttachmentSize int64
	maxAttachments    int
}

func newBase(repo Repository, publisher Publisher, component string, opts []Option) base {
	b := base{
		repo:              repo,
		publisher:         publisher,
		policy:            DefaultPolicy(),
		logger:            slog.Default(),
		now:               time.Now,
		publishTimeout:    DefaultPublishTimeout,
		urls:              NewURLBuilder(""),
		maxAttachmentSize: DefaultMaxAttachmentSize,
		maxAttachments:    DefaultMaxAttachments,
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("component", component)
	return b
}

func (b *base) clock() time.Time {
	return b.now().UTC()
}

// participant returns the actor's row, or nil when they never belonged
func (b *base) participant(ctx context.Context, convID, userID int64) (*Participant, error) {
	p, err := b.repo.GetParticipant(ctx, convID, userID)
	if errors.Is(err, ErrParticipantNotFound) {
		return nil, nil
	}
	return p, err
}

// membership loads a conversation together with the actor's row
func (b *base) membership(ctx context.Context, convID, userID int64) (*Conversation, *Participant, error) {
	conv, err := b.repo.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	p, err := b.participant(ctx, convID, userID)
	if err != nil {
		return nil, nil, err
	}
	return conv, p, nil
}

func (b *base) deny(action string, err error) error {
	policyDenials.WithLabelValues(action).Inc()
	return err
}

// publish runs after the mutation committed. Failures are logged and never
// reach the caller; the request context's cancellation does not cut it short.
func (b *base) publish(ctx context.Context, topic, eventType string, data interface{}) {
	if b.publisher == nil {
		return
	}

	event, err := NewEvent(eventType, data, b.clock())
	if err != nil {
		b.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()

	started := time.Now()
	err = b.publisher.Publish(pctx, topic, event)
	observePublish(eventType, started, err)
	if err != nil {
		b.logger.Warn("publish failed", "topic", topic, "type", eventType, "error", err)
	}
}

func (b *base) users(ctx context.Context, ids []int64) map[int64]*UserInfo {
	users, err := b.repo.GetUsers(ctx, ids)
	if err != nil {
		b.logger.Warn("failed to load user display fields", "error", err)
		return map[int64]*UserInfo{}
	}
	return users
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxPageLen {
		return maxPageLen
	}
	return limit
}
