// internal/messaging/repository.go

package messaging

import (
	"context"
	"fmt"
	"time"
)

// Repository is the message store. Lookups of missing rows return the
// matching *NotFound sentinel; monotonic updates never move a pointer back.
type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB int64) (*Conversation, error)
	ListUserConversations(ctx context.Context, userID int64, filter ConversationFilter) ([]*Conversation, error)
	UpdateConversationTitle(ctx context.Context, id int64, title string, at time.Time) error
	DeleteConversation(ctx context.Context, id int64) ([]*Attachment, error)

	// Participants
	GetParticipant(ctx context.Context, convID, userID int64) (*Participant, error)
	ListParticipants(ctx context.Context, convID int64) ([]*Participant, error)
	AddParticipant(ctx context.Context, participant *Participant) error
	SetParticipantLeft(ctx context.Context, convID, userID int64, at time.Time) error
	SetParticipantArchived(ctx context.Context, convID, userID int64, at *time.Time) error
	SetParticipantPinned(ctx context.Context, convID, userID int64, pinned bool) error
	SetParticipantMutedUntil(ctx context.Context, convID, userID int64, until *time.Time) error
	AdvanceReadCursor(ctx context.Context, convID, userID, messageID int64) (advanced bool, cursor int64, err error)

	// Messages
	// CreateMessage stores the message and its attachments and advances the
	// conversation pointer in one transaction.
	CreateMessage(ctx context.Context, message *Message, attachments []*Attachment) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, convID, viewerID int64, page MessagePage) ([]*Message, error)
	UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) error
	MarkMessageDeleted(ctx context.Context, id int64, at time.Time) (bool, error)
	SuppressMessage(ctx context.Context, userID, messageID int64, at time.Time) error
	IsMessageSuppressed(ctx context.Context, userID, messageID int64) (bool, error)
	CountUnread(ctx context.Context, convID, userID int64, after *int64) (int, error)

	// Attachments
	GetAttachment(ctx context.Context, id int64) (*Attachment, error)
	ListOrphanedBlobs(ctx context.Context, limit int) ([]*Attachment, error)
	MarkBlobDeleted(ctx context.Context, id int64, at time.Time) error

	// Users
	GetUsers(ctx context.Context, ids []int64) (map[int64]*UserInfo, error)
}

// directPairKey is the unordered identity of a direct conversation
func directPairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}
