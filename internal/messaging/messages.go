// internal/messaging/messages.go

package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
)

// MessageService sends, edits and deletes messages
type MessageService struct {
	base
}

func NewMessageService(repo Repository, publisher Publisher, blobs *BlobStore, opts ...Option) *MessageService {
	opts = append([]Option{WithBlobStore(blobs)}, opts...)
	return &MessageService{base: newBase(repo, publisher, "messages", opts)}
}

// Send stores a message with its attachments and publishes it once committed
func (s *MessageService) Send(ctx context.Context, conversationID, senderID int64, req *SendMessageRequest, uploads []Upload) (*MessagePayload, error) {
	_, p, err := s.membership(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !CanSend(p) {
		if !p.IsActive() {
			return nil, s.deny("send", ErrNotParticipant)
		}
		return nil, s.deny("send", ErrConversationArchived)
	}

	var body *string
	if strings.TrimSpace(req.Body) != "" {
		b := req.Body
		body = &b
	}
	if body == nil && len(uploads) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(uploads) > s.maxAttachments {
		return nil, ErrTooManyAttachments
	}

	if req.ReplyToID != nil {
		parent, err := s.repo.GetMessage(ctx, *req.ReplyToID)
		if errors.Is(err, ErrMessageNotFound) {
			return nil, ErrReplyOutsideConversation
		}
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != conversationID {
			return nil, ErrReplyOutsideConversation
		}
	}

	now := s.clock()
	attachments, err := s.storeUploads(ctx, uploads)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ConversationID: conversationID,
		UserID:         senderID,
		Type:           inferType(req.Type, attachments),
		Body:           body,
		ReplyToID:      req.ReplyToID,
		Meta:           req.Meta,
		CreatedAt:      now,
	}
	for _, a := range attachments {
		a.CreatedAt = now
	}

	if err := s.repo.CreateMessage(ctx, msg, attachments); err != nil {
		s.discardBlobs(ctx, attachments)
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	messagesSent.WithLabelValues(string(msg.Type)).Inc()
	s.logger.Debug("message sent",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"sender_id", senderID,
		"attachments", len(attachments))

	payload := s.payload(ctx, msg)
	s.publish(ctx, ConversationTopic(conversationID), EventMessageCreated, payload)
	return payload, nil
}

// storeUploads writes each upload to the blob store. Nothing is left behind
// when one of them fails.
func (s *MessageService) storeUploads(ctx context.Context, uploads []Upload) ([]*Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	if s.blobs == nil {
		return nil, errors.New("attachments are not configured")
	}

	attachments := make([]*Attachment, 0, len(uploads))
	for _, up := range uploads {
		if up.Size > s.maxAttachmentSize {
			s.discardBlobs(ctx, attachments)
			return nil, ErrAttachmentTooLarge
		}

		data, err := io.ReadAll(io.LimitReader(up.Content, s.maxAttachmentSize+1))
		if err != nil {
			s.discardBlobs(ctx, attachments)
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		if int64(len(data)) > s.maxAttachmentSize {
			s.discardBlobs(ctx, attachments)
			return nil, ErrAttachmentTooLarge
		}

		mime := up.Mime
		if mime == "" || mime == "application/octet-stream" {
			mime = http.DetectContentType(data)
		}

		a := &Attachment{
			Filename: filepath.Base(up.Filename),
			Mime:     mime,
			Bytes:    int64(len(data)),
		}
		if strings.HasPrefix(mime, "image/") {
			if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
				w, h := cfg.Width, cfg.Height
				a.Width, a.Height = &w, &h
			}
		}

		disk, path, err := s.blobs.Write(ctx, up.Filename, bytes.NewReader(data), a.Bytes, mime, s.clock())
		if err != nil {
			s.discardBlobs(ctx, attachments)
			return nil, err
		}
		a.Disk, a.Path = disk, path
		attachments = append(attachments, a)
	}
	return attachments, nil
}

func (s *MessageService) discardBlobs(ctx context.Context, attachments []*Attachment) {
	for _, a := range attachments {
		if err := s.blobs.Delete(ctx, a.Disk, a.Path); err != nil {
			s.logger.Warn("failed to discard blob", "disk", a.Disk, "path", a.Path, "error", err)
		}
	}
}

func inferType(requested MessageType, attachments []*Attachment) MessageType {
	if requested != "" && requested != MessageSystem {
		return requested
	}
	if len(attachments) == 0 {
		return MessageText
	}
	for _, a := range attachments {
		if !strings.HasPrefix(a.Mime, "image/") {
			return MessageFile
		}
	}
	return MessageImage
}

// Update replaces the body of the caller's own message inside the edit window
func (s *MessageService) Update(ctx context.Context, messageID, userID int64, body string) (*MessagePayload, error) {
	msg, p, err := s.visible(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if !s.policy.CanEditMessage(msg, p, userID, now) {
		if p.IsActive() && msg.UserID == userID && !msg.IsDeleted() {
			return nil, s.deny("edit", ErrEditWindowElapsed)
		}
		return nil, s.deny("edit", ErrNotAllowed)
	}

	if strings.TrimSpace(body) == "" && len(msg.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	if err := s.repo.UpdateMessageBody(ctx, messageID, body, now); err != nil {
		return nil, err
	}
	msg.Body = &body
	msg.EditedAt = &now

	payload := s.payload(ctx, msg)
	s.publish(ctx, ConversationTopic(msg.ConversationID), EventMessageUpdated, payload)
	return payload, nil
}

// Delete removes a message for the caller only, or for everyone. Repeating
// a delete is a no-op.
func (s *MessageService) Delete(ctx context.Context, messageID, userID int64, scope DeleteScope) error {
	if scope != DeleteForMe && scope != DeleteForEveryone {
		return ErrInvalidScope
	}

	msg, p, err := s.visible(ctx, messageID, userID)
	if err != nil {
		return err
	}

	now := s.clock()
	if scope == DeleteForMe {
		if !CanDeleteForMe(p) {
			return s.deny("delete_for_me", ErrNotAllowed)
		}
		if err := s.repo.SuppressMessage(ctx, userID, messageID, now); err != nil {
			return err
		}
		messagesDeleted.WithLabelValues(string(DeleteForMe)).Inc()

		// Only the caller's own sessions need to hide it.
		s.publish(ctx, UserTopic(userID), EventMessageDeleted, MessageDeletedPayload{
			ID:             messageID,
			ConversationID: msg.ConversationID,
			Scope:          DeleteForMe,
		})
		return nil
	}

	if msg.IsDeleted() && msg.UserID == userID && p.IsActive() {
		return nil
	}
	if !s.policy.CanDeleteForEveryone(msg, p, userID, now) {
		if p.IsActive() && msg.UserID == userID {
			return s.deny("delete_for_everyone", ErrDeleteWindowElapsed)
		}
		return s.deny("delete_for_everyone", ErrNotAllowed)
	}

	changed, err := s.repo.MarkMessageDeleted(ctx, messageID, now)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	msg.DeletedAt = &now
	messagesDeleted.WithLabelValues(string(DeleteForEveryone)).Inc()

	s.publish(ctx, ConversationTopic(msg.ConversationID), EventMessageDeleted, MessageDeletedPayload{
		ID:             messageID,
		ConversationID: msg.ConversationID,
		Scope:          DeleteForEveryone,
		Message:        s.payload(ctx, msg),
	})
	return nil
}

// List pages through a conversation newest first. Messages deleted for
// everyone come back as placeholders so the sequence has no gaps.
func (s *MessageService) List(ctx context.Context, conversationID, userID int64, page MessagePage) ([]*MessagePayload, error) {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !CanView(p) {
		return nil, s.deny("view", ErrNotParticipant)
	}

	page.Limit = clampLimit(page.Limit, defaultMessagePageLen)
	if page.BeforeID < 0 || page.AfterID < 0 {
		return nil, ValidationError("cursor ids must be positive")
	}

	messages, err := s.repo.ListMessages(ctx, conversationID, userID, page)
	if err != nil {
		return nil, err
	}
	return s.payloads(ctx, messages), nil
}

// Get returns a single message the caller is allowed to see
func (s *MessageService) Get(ctx context.Context, messageID, userID int64) (*MessagePayload, error) {
	msg, p, err := s.visible(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if !CanViewMessage(p) {
		return nil, s.deny("view_message", ErrNotAllowed)
	}

	hidden, err := s.repo.IsMessageSuppressed(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if hidden {
		return nil, ErrMessageNotFound
	}
	return s.payload(ctx, msg), nil
}

// visible loads a message with the caller's row. Someone who never belonged
// to the conversation gets the same error as for an unknown id.
func (s *MessageService) visible(ctx context.Context, messageID, userID int64) (*Message, *Participant, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.participant(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, s.deny("view_message", ErrMessageNotFound)
	}
	return msg, p, nil
}

func (s *MessageService) payload(ctx context.Context, msg *Message) *MessagePayload {
	users := s.users(ctx, []int64{msg.UserID})
	return buildMessagePayload(msg, users[msg.UserID], s.urls)
}

func (s *MessageService) payloads(ctx context.Context, messages []*Message) []*MessagePayload {
	ids := make([]int64, 0, len(messages))
	seen := make(map[int64]bool)
	for _, m := range messages {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			ids = append(ids, m.UserID)
		}
	}
	users := s.users(ctx, ids)

	out := make([]*MessagePayload, 0, len(messages))
	for _, m := range messages {
		out = append(out, buildMessagePayload(m, users[m.UserID], s.urls))
	}
	return out
}
