// internal/messaging/models.go

package messaging

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ConversationType distinguishes two-party threads from multi-party ones
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ParticipantRole is a member's role inside a conversation
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// MessageType is the kind of content a message carries
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// DeleteScope selects who a deletion applies to
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "all"
)

// Conversation represents a chat conversation
type Conversation struct {
	ID            int64            `json:"id" db:"id"`
	Type          ConversationType `json:"type" db:"type"`
	Title         *string          `json:"title,omitempty" db:"title"`
	CreatedBy     int64            `json:"created_by" db:"created_by"`
	LastMessageID *int64           `json:"last_message_id" db:"last_message_id"`
	IsArchived    bool             `json:"is_archived" db:"is_archived"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`

	// Computed per viewer
	Participants []*Participant  `json:"participants,omitempty" db:"-"`
	UnreadCount  int             `json:"unread_count" db:"-"`
	LastMessage  *MessagePayload `json:"last_message,omitempty" db:"-"`
	ArchivedAt   *time.Time      `json:"archived_at,omitempty" db:"-"`
}

// Participant represents a user's membership in a conversation
type Participant struct {
	ConversationID    int64           `json:"conversation_id" db:"conversation_id"`
	UserID            int64           `json:"user_id" db:"user_id"`
	Role              ParticipantRole `json:"role" db:"role"`
	LastReadMessageID *int64          `json:"last_read_message_id,omitempty" db:"last_read_message_id"`
	JoinedAt          time.Time       `json:"joined_at" db:"joined_at"`
	LeftAt            *time.Time      `json:"left_at,omitempty" db:"left_at"`
	ArchivedAt        *time.Time      `json:"archived_at,omitempty" db:"archived_at"`
	Pinned            bool            `json:"pinned" db:"pinned"`
	MutedUntil        *time.Time      `json:"muted_until,omitempty" db:"muted_until"`

	// Joined fields
	User *UserInfo `json:"user,omitempty" db:"-"`
}

// IsActive reports whether the membership has not been ended
func (p *Participant) IsActive() bool {
	return p != nil && p.LeftAt == nil
}

// Message represents a chat message
type Message struct {
	ID             int64       `json:"id" db:"id"`
	ConversationID int64       `json:"conversation_id" db:"conversation_id"`
	UserID         int64       `json:"user_id" db:"user_id"`
	Type           MessageType `json:"type" db:"type"`
	Body           *string     `json:"body" db:"body"`
	ReplyToID      *int64      `json:"reply_to_id" db:"reply_to_id"`
	EditedAt       *time.Time  `json:"edited_at" db:"edited_at"`
	Meta           Meta        `json:"meta,omitempty" db:"meta"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	DeletedAt      *time.Time  `json:"deleted_at" db:"deleted_at"`

	// Computed fields
	Attachments []*Attachment `json:"attachments,omitempty" db:"-"`
	Sender      *UserInfo     `json:"sender,omitempty" db:"-"`
}

// IsDeleted reports whether the message was deleted for everyone
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Attachment is a file stored alongside a message. Disk and Path are
// storage coordinates and never leave the server.
type Attachment struct {
	ID            int64      `json:"id" db:"id"`
	MessageID     int64      `json:"message_id" db:"message_id"`
	Disk          string     `json:"-" db:"disk"`
	Path          string     `json:"-" db:"path"`
	Filename      string     `json:"filename" db:"filename"`
	Mime          string     `json:"mime" db:"mime"`
	Bytes         int64      `json:"bytes" db:"bytes"`
	Width         *int       `json:"width,omitempty" db:"width"`
	Height        *int       `json:"height,omitempty" db:"height"`
	Meta          Meta       `json:"meta,omitempty" db:"meta"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	BlobDeletedAt *time.Time `json:"-" db:"blob_deleted_at"`
}

// Meta is free-form JSON kept in a nullable jsonb column
type Meta json.RawMessage

func (m Meta) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = nil
		return nil
	}
	*m = append((*m)[0:0], data...)
	return nil
}

func (m *Meta) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
	case []byte:
		*m = append(Meta(nil), v...)
	case string:
		*m = Meta(v)
	default:
		return fmt.Errorf("cannot scan %T into Meta", src)
	}
	return nil
}

func (m Meta) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return string(m), nil
}

// UserInfo is the display slice of a user owned by the identity service
type UserInfo struct {
	ID        int64   `json:"id" db:"id"`
	Name      string  `json:"name" db:"name"`
	AvatarURL *string `json:"avatar_url,omitempty" db:"avatar_url"`
}

// Upload is a file received with a send request, before it is stored
type Upload struct {
	Filename string
	Mime     string
	Size     int64
	Content  io.Reader
}

// ConversationFilter narrows a user's conversation list
type ConversationFilter struct {
	Archived *bool
	Query    string
	Limit    int
	Offset   int
}

// MessagePage is a keyset page over message ids. Zero values mean unbounded.
type MessagePage struct {
	BeforeID int64
	AfterID  int64
	Limit    int
}

// Request DTOs

type CreateConversationRequest struct {
	Type          ConversationType `json:"type" validate:"required,oneof=direct group"`
	Title         string           `json:"title" validate:"max=120"`
	TargetUserID  int64            `json:"target_user_id" validate:"omitempty,gt=0"`
	TargetUserIDs []int64          `json:"target_user_ids" validate:"omitempty,dive,gt=0"`
}

type SendMessageRequest struct {
	Body      string      `json:"body" validate:"max=10000"`
	Type      MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	ReplyToID *int64      `json:"reply_to_id,omitempty" validate:"omitempty,gt=0"`
	Meta      Meta        `json:"meta,omitempty"`
}

type UpdateMessageRequest struct {
	Body string `json:"body" validate:"max=10000"`
}

type UpdateConversationRequest struct {
	Title string `json:"title" validate:"required,max=120"`
}

type AddParticipantsRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,dive,gt=0"`
}

type AdvanceReadRequest struct {
	MessageID int64 `json:"message_id" validate:"required,gt=0"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type MuteRequest struct {
	Until *time.Time `json:"until"`
}

type PinRequest struct {
	Pinned bool `json:"pinned"`
}
