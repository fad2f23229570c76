// internal/messaging/signaling.go

package messaging

import (
	"context"
	"errors"
)

// SignalingService handles read cursors and typing indicators. Typing is
// never stored; cursors only move forward.
type SignalingService struct {
	base
}

func NewSignalingService(repo Repository, publisher Publisher, opts ...Option) *SignalingService {
	return &SignalingService{base: newBase(repo, publisher, "signaling", opts)}
}

// AdvanceRead moves the caller's read cursor to messageID unless it is
// already further along. The returned payload holds the stored cursor.
func (s *SignalingService) AdvanceRead(ctx context.Context, conversationID, userID, messageID int64) (*ReadAdvancedPayload, error) {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !CanView(p) {
		return nil, s.deny("read", ErrNotParticipant)
	}

	msg, err := s.repo.GetMessage(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, ErrReadCursorForeign
	}
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, ErrReadCursorForeign
	}

	advanced, cursor, err := s.repo.AdvanceReadCursor(ctx, conversationID, userID, messageID)
	if err != nil {
		return nil, err
	}

	payload := &ReadAdvancedPayload{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: cursor,
	}
	if advanced {
		s.publish(ctx, ConversationTopic(conversationID), EventReadAdvanced, payload)
	}
	return payload, nil
}

// SetTyping broadcasts a typing indicator. Clients expire stale ones.
func (s *SignalingService) SetTyping(ctx context.Context, conversationID, userID int64, isTyping bool) error {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !CanSend(p) {
		if !p.IsActive() {
			return s.deny("typing", ErrNotParticipant)
		}
		return s.deny("typing", ErrConversationArchived)
	}

	s.publish(ctx, ConversationTopic(conversationID), EventTypingChanged, TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
	return nil
}

// UnreadCount counts messages from others after the caller's cursor
func (s *SignalingService) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	if !CanView(p) {
		return 0, s.deny("view", ErrNotParticipant)
	}
	return s.repo.CountUnread(ctx, conversationID, userID, p.LastReadMessageID)
}
