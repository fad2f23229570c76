// internal/messaging/memory.go

package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type participantKey struct {
	conversationID int64
	userID         int64
}

type suppressionKey struct {
	userID    int64
	messageID int64
}

// MemoryRepository is a Repository held in process memory. It backs the
// tests and the memory:// database URL used for local development.
type MemoryRepository struct {
	mu sync.Mutex

	nextConversationID int64
	nextMessageID      int64
	nextAttachmentID   int64

	conversations map[int64]*Conversation
	participants  map[participantKey]*Participant
	directKeys    map[string]int64
	messages      map[int64]*Message
	attachments   map[int64]*Attachment
	suppressions  map[suppressionKey]time.Time
	users         map[int64]*UserInfo
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[int64]*Conversation),
		participants:  make(map[participantKey]*Participant),
		directKeys:    make(map[string]int64),
		messages:      make(map[int64]*Message),
		attachments:   make(map[int64]*Attachment),
		suppressions:  make(map[suppressionKey]time.Time),
		users:         make(map[int64]*UserInfo),
	}
}

// PutUser registers display fields for a user id
func (r *MemoryRepository) PutUser(user *UserInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := *user
	r.users[u.ID] = &u
}

func (r *MemoryRepository) CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var key string
	if conv.Type == ConversationDirect {
		if len(participants) != 2 {
			return ErrDirectTarget
		}
		key = directPairKey(participants[0].UserID, participants[1].UserID)
		if _, exists := r.directKeys[key]; exists {
			return ErrDuplicateDirect
		}
	}

	r.nextConversationID++
	conv.ID = r.nextConversationID
	stored := *conv
	stored.Participants = nil
	r.conversations[conv.ID] = &stored

	if key != "" {
		r.directKeys[key] = conv.ID
	}

	for _, p := range participants {
		p.ConversationID = conv.ID
		cp := *p
		cp.User = nil
		r.participants[participantKey{conv.ID, p.UserID}] = &cp
	}
	return nil
}

func (r *MemoryRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

func (r *MemoryRepository) FindDirectConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.directKeys[directPairKey(userA, userB)]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c := *r.conversations[id]
	return &c, nil
}

func (r *MemoryRepository) ListUserConversations(ctx context.Context, userID int64, filter ConversationFilter) ([]*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := strings.ToLower(filter.Query)

	var result []*Conversation
	for _, conv := range r.conversations {
		p, ok := r.participants[participantKey{conv.ID, userID}]
		if !ok || !p.IsActive() {
			continue
		}
		if filter.Archived != nil && (p.ArchivedAt != nil) != *filter.Archived {
			continue
		}
		if query != "" && !r.matchesQuery(conv, userID, query) {
			continue
		}
		c := *conv
		c.ArchivedAt = p.ArchivedAt
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if lastID(a) != lastID(b) {
			return lastID(a) > lastID(b)
		}
		return a.ID > b.ID
	})

	return paginate(result, filter.Limit, filter.Offset), nil
}

func (r *MemoryRepository) matchesQuery(conv *Conversation, userID int64, query string) bool {
	if conv.Title != nil && strings.Contains(strings.ToLower(*conv.Title), query) {
		return true
	}
	for key := range r.participants {
		if key.conversationID != conv.ID || key.userID == userID {
			continue
		}
		if u, ok := r.users[key.userID]; ok && strings.Contains(strings.ToLower(u.Name), query) {
			return true
		}
	}
	return false
}

func lastID(c *Conversation) int64 {
	if c.LastMessageID == nil {
		return 0
	}
	return *c.LastMessageID
}

func paginate(list []*Conversation, limit, offset int) []*Conversation {
	if offset >= len(list) {
		return []*Conversation{}
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

func (r *MemoryRepository) UpdateConversationTitle(ctx context.Context, id int64, title string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Title = &title
	conv.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) DeleteConversation(ctx context.Context, id int64) ([]*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[id]; !ok {
		return nil, ErrConversationNotFound
	}

	var blobs []*Attachment
	for msgID, msg := range r.messages {
		if msg.ConversationID != id {
			continue
		}
		for aid, a := range r.attachments {
			if a.MessageID != msgID {
				continue
			}
			if a.BlobDeletedAt == nil {
				cp := *a
				blobs = append(blobs, &cp)
			}
			delete(r.attachments, aid)
		}
		for key := range r.suppressions {
			if key.messageID == msgID {
				delete(r.suppressions, key)
			}
		}
		delete(r.messages, msgID)
	}
	for key := range r.participants {
		if key.conversationID == id {
			delete(r.participants, key)
		}
	}
	for key, cid := range r.directKeys {
		if cid == id {
			delete(r.directKeys, key)
		}
	}
	delete(r.conversations, id)

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].ID < blobs[j].ID })
	return blobs, nil
}

func (r *MemoryRepository) GetParticipant(ctx context.Context, convID, userID int64) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantKey{convID, userID}]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListParticipants(ctx context.Context, convID int64) ([]*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*Participant
	for key, p := range r.participants {
		if key.conversationID == convID {
			cp := *p
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].UserID < list[j].UserID
	})
	return list, nil
}

func (r *MemoryRepository) AddParticipant(ctx context.Context, participant *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := participantKey{participant.ConversationID, participant.UserID}
	if existing, ok := r.participants[key]; ok {
		if existing.LeftAt != nil {
			existing.LeftAt = nil
			existing.JoinedAt = participant.JoinedAt
			existing.Role = participant.Role
		}
		return nil
	}
	cp := *participant
	cp.User = nil
	r.participants[key] = &cp
	return nil
}

func (r *MemoryRepository) withParticipant(convID, userID int64, fn func(p *Participant)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantKey{convID, userID}]
	if !ok {
		return ErrParticipantNotFound
	}
	fn(p)
	return nil
}

func (r *MemoryRepository) SetParticipantLeft(ctx context.Context, convID, userID int64, at time.Time) error {
	return r.withParticipant(convID, userID, func(p *Participant) { p.LeftAt = &at })
}

func (r *MemoryRepository) SetParticipantArchived(ctx context.Context, convID, userID int64, at *time.Time) error {
	return r.withParticipant(convID, userID, func(p *Participant) { p.ArchivedAt = at })
}

func (r *MemoryRepository) SetParticipantPinned(ctx context.Context, convID, userID int64, pinned bool) error {
	return r.withParticipant(convID, userID, func(p *Participant) { p.Pinned = pinned })
}

func (r *MemoryRepository) SetParticipantMutedUntil(ctx context.Context, convID, userID int64, until *time.Time) error {
	return r.withParticipant(convID, userID, func(p *Participant) { p.MutedUntil = until })
}

func (r *MemoryRepository) AdvanceReadCursor(ctx context.Context, convID, userID, messageID int64) (bool, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantKey{convID, userID}]
	if !ok {
		return false, 0, ErrParticipantNotFound
	}
	if p.LastReadMessageID != nil && *p.LastReadMessageID >= messageID {
		return false, *p.LastReadMessageID, nil
	}
	id := messageID
	p.LastReadMessageID = &id
	return true, id, nil
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, message *Message, attachments []*Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[message.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}

	r.nextMessageID++
	message.ID = r.nextMessageID

	stored := *message
	stored.Attachments = nil
	stored.Sender = nil
	r.messages[message.ID] = &stored

	for _, a := range attachments {
		r.nextAttachmentID++
		a.ID = r.nextAttachmentID
		a.MessageID = message.ID
		cp := *a
		r.attachments[a.ID] = &cp
	}

	if conv.LastMessageID == nil || *conv.LastMessageID < message.ID {
		id := message.ID
		conv.LastMessageID = &id
		conv.UpdatedAt = message.CreatedAt
	}

	message.Attachments = attachments
	return nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return r.hydrate(msg), nil
}

func (r *MemoryRepository) hydrate(msg *Message) *Message {
	m := *msg
	m.Attachments = nil
	for _, a := range r.attachments {
		if a.MessageID == m.ID {
			cp := *a
			m.Attachments = append(m.Attachments, &cp)
		}
	}
	sort.Slice(m.Attachments, func(i, j int) bool { return m.Attachments[i].ID < m.Attachments[j].ID })
	return &m
}

func (r *MemoryRepository) ListMessages(ctx context.Context, convID, viewerID int64, page MessagePage) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*Message
	for _, msg := range r.messages {
		if msg.ConversationID != convID {
			continue
		}
		if _, hidden := r.suppressions[suppressionKey{viewerID, msg.ID}]; hidden {
			continue
		}
		if page.BeforeID > 0 && msg.ID >= page.BeforeID {
			continue
		}
		if page.AfterID > 0 && msg.ID <= page.AfterID {
			continue
		}
		list = append(list, r.hydrate(msg))
	}

	ascending := page.AfterID > 0 && page.BeforeID == 0
	sort.Slice(list, func(i, j int) bool {
		if ascending {
			return list[i].ID < list[j].ID
		}
		return list[i].ID > list[j].ID
	})
	if page.Limit > 0 && len(list) > page.Limit {
		list = list[:page.Limit]
	}
	if ascending {
		sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	}
	return list, nil
}

func (r *MemoryRepository) UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok || msg.DeletedAt != nil {
		return ErrMessageNotFound
	}
	msg.Body = &body
	msg.EditedAt = &editedAt
	return nil
}

func (r *MemoryRepository) MarkMessageDeleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if msg.DeletedAt != nil {
		return false, nil
	}
	msg.DeletedAt = &at
	return true, nil
}

func (r *MemoryRepository) SuppressMessage(ctx context.Context, userID, messageID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := suppressionKey{userID, messageID}
	if _, ok := r.suppressions[key]; !ok {
		r.suppressions[key] = at
	}
	return nil
}

func (r *MemoryRepository) IsMessageSuppressed(ctx context.Context, userID, messageID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.suppressions[suppressionKey{userID, messageID}]
	return ok, nil
}

func (r *MemoryRepository) CountUnread(ctx context.Context, convID, userID int64, after *int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, msg := range r.messages {
		if msg.ConversationID != convID || msg.UserID == userID {
			continue
		}
		if after != nil && msg.ID <= *after {
			continue
		}
		if _, hidden := r.suppressions[suppressionKey{userID, msg.ID}]; hidden {
			continue
		}
		count++
	}
	return count, nil
}

func (r *MemoryRepository) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attachments[id]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ListOrphanedBlobs(ctx context.Context, limit int) ([]*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []*Attachment
	for _, a := range r.attachments {
		msg, ok := r.messages[a.MessageID]
		if !ok || msg.DeletedAt == nil || a.BlobDeletedAt != nil {
			continue
		}
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (r *MemoryRepository) MarkBlobDeleted(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.attachments[id]; ok && a.BlobDeletedAt == nil {
		a.BlobDeletedAt = &at
	}
	return nil
}

func (r *MemoryRepository) GetUsers(ctx context.Context, ids []int64) (map[int64]*UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make(map[int64]*UserInfo, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			cp := *u
			users[id] = &cp
		}
	}
	return users, nil
}
