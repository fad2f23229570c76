// internal/messaging/payload.go

package messaging

import (
	"fmt"
	"strings"
	"time"
)

// URLBuilder produces access-checked attachment links. Links always go
// through this service, never to the blob store.
type URLBuilder struct {
	base string
}

func NewURLBuilder(baseURL string) URLBuilder {
	return URLBuilder{base: strings.TrimRight(baseURL, "/") + "/api/v1/messages"}
}

func (u URLBuilder) Attachment(id int64) string {
	return fmt.Sprintf("%s/attachments/%d", u.base, id)
}

func (u URLBuilder) Download(id int64) string {
	return fmt.Sprintf("%s/attachments/%d/download", u.base, id)
}

type SenderPayload struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url"`
}

type AttachmentPayload struct {
	ID          int64  `json:"id"`
	Mime        string `json:"mime"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Width       *int   `json:"width"`
	Height      *int   `json:"height"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

// MessagePayload is the hydrated message clients render without a follow-up fetch
type MessagePayload struct {
	ID             int64                `json:"id"`
	ConversationID int64                `json:"conversation_id"`
	UserID         int64                `json:"user_id"`
	Type           MessageType          `json:"type"`
	Body           *string              `json:"body"`
	ReplyToID      *int64               `json:"reply_to_id"`
	Meta           Meta                 `json:"meta,omitempty"`
	EditedAt       *time.Time           `json:"edited_at"`
	CreatedAt      time.Time            `json:"created_at"`
	DeletedAt      *time.Time           `json:"deleted_at"`
	Attachments    []*AttachmentPayload `json:"attachments"`
	Sender         *SenderPayload       `json:"sender"`
}

type MessageDeletedPayload struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Scope          DeleteScope     `json:"scope"`
	Message        *MessagePayload `json:"message,omitempty"`
}

type ReadAdvancedPayload struct {
	ConversationID    int64 `json:"conversation_id"`
	UserID            int64 `json:"user_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
}

type TypingPayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	IsTyping       bool  `json:"is_typing"`
}

type ConversationDeletedPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

type ConversationLeftPayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

// buildMessagePayload renders a message. Messages deleted for everyone keep
// their place as placeholders with body and attachments blanked.
func buildMessagePayload(m *Message, sender *UserInfo, urls URLBuilder) *MessagePayload {
	p := &MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Type:           m.Type,
		Body:           m.Body,
		ReplyToID:      m.ReplyToID,
		Meta:           m.Meta,
		EditedAt:       m.EditedAt,
		CreatedAt:      m.CreatedAt,
		DeletedAt:      m.DeletedAt,
		Attachments:    []*AttachmentPayload{},
	}

	if sender != nil {
		p.Sender = &SenderPayload{ID: sender.ID, Name: sender.Name, AvatarURL: sender.AvatarURL}
	} else {
		p.Sender = &SenderPayload{ID: m.UserID}
	}

	if m.IsDeleted() {
		p.Body = nil
		p.Meta = nil
		return p
	}

	for _, a := range m.Attachments {
		p.Attachments = append(p.Attachments, &AttachmentPayload{
			ID:          a.ID,
			Mime:        a.Mime,
			Filename:    a.Filename,
			Size:        a.Bytes,
			Width:       a.Width,
			Height:      a.Height,
			URL:         urls.Attachment(a.ID),
			DownloadURL: urls.Download(a.ID),
		})
	}
	return p
}
