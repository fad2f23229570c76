// internal/messaging/conversations.go

package messaging

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ConversationService creates conversations and manages membership state
type ConversationService struct {
	base
	connections ConnectionChecker
}

func NewConversationService(repo Repository, publisher Publisher, connections ConnectionChecker, opts ...Option) *ConversationService {
	return &ConversationService{
		base:        newBase(repo, publisher, "conversations", opts),
		connections: connections,
	}
}

// Create starts a conversation. A direct conversation that already exists
// between the two users is returned as is.
func (s *ConversationService) Create(ctx context.Context, initiatorID int64, req *CreateConversationRequest) (*Conversation, error) {
	switch req.Type {
	case ConversationDirect:
		return s.createDirect(ctx, initiatorID, req)
	case ConversationGroup:
		return s.createGroup(ctx, initiatorID, req)
	default:
		return nil, ValidationError("conversation type must be 'direct' or 'group'")
	}
}

func (s *ConversationService) createDirect(ctx context.Context, initiatorID int64, req *CreateConversationRequest) (*Conversation, error) {
	targetID := req.TargetUserID
	if targetID == 0 && len(req.TargetUserIDs) == 1 {
		targetID = req.TargetUserIDs[0]
	}
	if targetID == 0 || (req.TargetUserID != 0 && len(req.TargetUserIDs) > 0) {
		return nil, ErrDirectTarget
	}
	if strings.TrimSpace(req.Title) != "" {
		return nil, ErrDirectTitleForbidden
	}
	if targetID == initiatorID {
		return nil, ErrSelfConversation
	}
	if err := s.requireConnections(ctx, initiatorID, []int64{targetID}); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindDirectConversation(ctx, initiatorID, targetID)
	if err == nil {
		conversationsCreated.WithLabelValues(string(ConversationDirect), "reused").Inc()
		return s.hydrate(ctx, existing, initiatorID)
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	now := s.clock()
	conv := &Conversation{
		Type:      ConversationDirect,
		CreatedBy: initiatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	participants := []*Participant{
		{UserID: initiatorID, Role: RoleMember, JoinedAt: now},
		{UserID: targetID, Role: RoleMember, JoinedAt: now},
	}

	err = s.repo.CreateConversation(ctx, conv, participants)
	if errors.Is(err, ErrDuplicateDirect) {
		// Lost the race against a concurrent create; hand back the winner.
		existing, err := s.repo.FindDirectConversation(ctx, initiatorID, targetID)
		if err != nil {
			return nil, err
		}
		conversationsCreated.WithLabelValues(string(ConversationDirect), "reused").Inc()
		return s.hydrate(ctx, existing, initiatorID)
	}
	if err != nil {
		return nil, err
	}

	conversationsCreated.WithLabelValues(string(ConversationDirect), "created").Inc()
	s.logger.Info("conversation created", "conversation_id", conv.ID, "type", conv.Type, "created_by", initiatorID)

	return s.announceCreated(ctx, conv, initiatorID, []int64{initiatorID, targetID})
}

func (s *ConversationService) createGroup(ctx context.Context, initiatorID int64, req *CreateConversationRequest) (*Conversation, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrGroupTitleRequired
	}

	targets := uniqueIDs(req.TargetUserIDs)
	if req.TargetUserID != 0 {
		targets = uniqueIDs(append(targets, req.TargetUserID))
	}
	for _, id := range targets {
		if id == initiatorID {
			return nil, ErrSelfConversation
		}
	}
	if len(targets) < 2 {
		return nil, ErrGroupTooSmall
	}
	if err := s.requireConnections(ctx, initiatorID, targets); err != nil {
		return nil, err
	}

	now := s.clock()
	conv := &Conversation{
		Type:      ConversationGroup,
		Title:     &title,
		CreatedBy: initiatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	participants := []*Participant{{UserID: initiatorID, Role: RoleOwner, JoinedAt: now}}
	for _, id := range targets {
		participants = append(participants, &Participant{UserID: id, Role: RoleMember, JoinedAt: now})
	}

	if err := s.repo.CreateConversation(ctx, conv, participants); err != nil {
		return nil, err
	}

	conversationsCreated.WithLabelValues(string(ConversationGroup), "created").Inc()
	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"created_by", initiatorID,
		"participants", len(participants))

	return s.announceCreated(ctx, conv, initiatorID, append([]int64{initiatorID}, targets...))
}

// announceCreated tells every member on their private topic, each with
// their own view of the conversation.
func (s *ConversationService) announceCreated(ctx context.Context, conv *Conversation, viewerID int64, members []int64) (*Conversation, error) {
	var result *Conversation
	for _, userID := range members {
		view, err := s.hydrate(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		if userID == viewerID {
			result = view
		}
		s.publish(ctx, UserTopic(userID), EventConversationCreated, view)
	}
	return result, nil
}

func (s *ConversationService) requireConnections(ctx context.Context, userID int64, targets []int64) error {
	for _, target := range targets {
		ok, err := s.connections.IsAcceptedConnection(ctx, userID, target)
		if err != nil {
			return err
		}
		if !ok {
			return s.deny("create", ErrNotConnected)
		}
	}
	return nil
}

// ToggleArchive flips the caller's own archive marker
func (s *ConversationService) ToggleArchive(ctx context.Context, conversationID, userID int64) (*Participant, error) {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !CanToggleArchive(p) {
		return nil, s.deny("archive", ErrNotParticipant)
	}

	var archivedAt *time.Time
	if p.ArchivedAt == nil {
		now := s.clock()
		archivedAt = &now
	}
	if err := s.repo.SetParticipantArchived(ctx, conversationID, userID, archivedAt); err != nil {
		return nil, err
	}

	p.ArchivedAt = archivedAt
	return p, nil
}

// ListForUser returns the user's active conversations, most recent first
func (s *ConversationService) ListForUser(ctx context.Context, userID int64, filter ConversationFilter) ([]*Conversation, error) {
	filter.Limit = clampLimit(filter.Limit, defaultConversationPageLen)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Query = strings.TrimSpace(filter.Query)

	list, err := s.repo.ListUserConversations(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	result := make([]*Conversation, 0, len(list))
	for _, conv := range list {
		view, err := s.hydrate(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		result = append(result, view)
	}
	return result, nil
}

func (s *ConversationService) Get(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	conv, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !CanView(p) {
		return nil, s.deny("view", ErrNotParticipant)
	}
	return s.hydrate(ctx, conv, userID)
}

// Update renames a group conversation
func (s *ConversationService) Update(ctx context.Context, conversationID, userID int64, title string) (*Conversation, error) {
	conv, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !CanUpdateConversation(conv, p, userID) {
		if !p.IsActive() {
			return nil, s.deny("update", ErrNotParticipant)
		}
		return nil, s.deny("update", ErrNotAllowed)
	}
	if conv.Type == ConversationDirect {
		return nil, ErrDirectTitleForbidden
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrGroupTitleRequired
	}

	if err := s.repo.UpdateConversationTitle(ctx, conversationID, title, s.clock()); err != nil {
		return nil, err
	}

	updated, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	view, err := s.hydrate(ctx, updated, userID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ConversationTopic(conversationID), EventConversationUpdated, updated)
	for _, member := range view.Participants {
		s.publish(ctx, UserTopic(member.UserID), EventConversationUpdated, updated)
	}
	return view, nil
}

// Delete removes the conversation for everyone. Blob removal is best effort;
// anything left behind is unreachable once the rows are gone.
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID int64) error {
	conv, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !CanDeleteConversation(conv, userID) {
		if !p.IsActive() {
			return s.deny("delete_conversation", ErrNotParticipant)
		}
		return s.deny("delete_conversation", ErrNotAllowed)
	}

	members, err := s.repo.ListParticipants(ctx, conversationID)
	if err != nil {
		return err
	}

	blobs, err := s.repo.DeleteConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	s.logger.Info("conversation deleted", "conversation_id", conversationID, "deleted_by", userID)

	if s.blobs != nil {
		for _, a := range blobs {
			if err := s.blobs.Delete(ctx, a.Disk, a.Path); err != nil {
				s.logger.Warn("failed to delete attachment blob",
					"attachment_id", a.ID, "disk", a.Disk, "error", err)
			}
		}
	}

	payload := ConversationDeletedPayload{ConversationID: conversationID}
	s.publish(ctx, ConversationTopic(conversationID), EventConversationDeleted, payload)
	for _, m := range members {
		if m.IsActive() {
			s.publish(ctx, UserTopic(m.UserID), EventConversationDeleted, payload)
		}
	}
	return nil
}

// AddParticipants invites connections of the actor into a group. Members
// who left before are re-activated.
func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, actorID int64, userIDs []int64) (*Conversation, error) {
	conv, p, err := s.membership(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !CanAddParticipants(conv, p, actorID) {
		switch {
		case !p.IsActive():
			return nil, s.deny("add_participants", ErrNotParticipant)
		case conv.Type != ConversationGroup:
			return nil, ErrNotGroup
		default:
			return nil, s.deny("add_participants", ErrNotAllowed)
		}
	}

	targets := uniqueIDs(userIDs)
	for _, id := range targets {
		if id == actorID {
			return nil, ErrSelfConversation
		}
	}
	if len(targets) == 0 {
		return nil, ValidationError("at least one user is required")
	}
	if err := s.requireConnections(ctx, actorID, targets); err != nil {
		return nil, err
	}

	now := s.clock()
	var added []int64
	for _, id := range targets {
		existing, err := s.participant(ctx, conversationID, id)
		if err != nil {
			return nil, err
		}
		if existing.IsActive() {
			continue
		}
		err = s.repo.AddParticipant(ctx, &Participant{
			ConversationID: conversationID,
			UserID:         id,
			Role:           RoleMember,
			JoinedAt:       now,
		})
		if err != nil {
			return nil, err
		}
		added = append(added, id)
	}

	view, err := s.hydrate(ctx, conv, actorID)
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return view, nil
	}

	s.logger.Info("participants added", "conversation_id", conversationID, "added_by", actorID, "count", len(added))
	s.publish(ctx, ConversationTopic(conversationID), EventConversationUpdated, view)
	for _, id := range added {
		if member, err := s.hydrate(ctx, conv, id); err == nil {
			s.publish(ctx, UserTopic(id), EventConversationCreated, member)
		}
	}
	return view, nil
}

// Leave ends the caller's membership in a group. Their messages stay.
func (s *ConversationService) Leave(ctx context.Context, conversationID, userID int64) error {
	conv, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !p.IsActive() {
		return s.deny("leave", ErrNotParticipant)
	}
	if conv.Type == ConversationDirect {
		return ErrDirectLeave
	}

	if err := s.repo.SetParticipantLeft(ctx, conversationID, userID, s.clock()); err != nil {
		return err
	}

	// The leaver's sessions drop their live subscription on this event.
	s.publish(ctx, UserTopic(userID), EventConversationLeft, ConversationLeftPayload{
		ConversationID: conversationID,
		UserID:         userID,
	})
	s.publish(ctx, ConversationTopic(conversationID), EventConversationUpdated, conv)
	return nil
}

// SetMuted silences the conversation for the caller until the given time;
// nil clears it.
func (s *ConversationService) SetMuted(ctx context.Context, conversationID, userID int64, until *time.Time) (*Participant, error) {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, s.deny("mute", ErrNotParticipant)
	}
	if until != nil {
		u := until.UTC()
		until = &u
	}
	if err := s.repo.SetParticipantMutedUntil(ctx, conversationID, userID, until); err != nil {
		return nil, err
	}
	p.MutedUntil = until
	return p, nil
}

func (s *ConversationService) SetPinned(ctx context.Context, conversationID, userID int64, pinned bool) (*Participant, error) {
	_, p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, s.deny("pin", ErrNotParticipant)
	}
	if err := s.repo.SetParticipantPinned(ctx, conversationID, userID, pinned); err != nil {
		return nil, err
	}
	p.Pinned = pinned
	return p, nil
}

// hydrate fills the viewer-specific fields: active participants with their
// display fields, the viewer's unread count and archive marker, and the
// last message.
func (s *ConversationService) hydrate(ctx context.Context, conv *Conversation, viewerID int64) (*Conversation, error) {
	view := *conv

	all, err := s.repo.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var (
		active []*Participant
		ids    []int64
		viewer *Participant
	)
	for _, p := range all {
		if p.UserID == viewerID {
			viewer = p
		}
		if p.IsActive() {
			active = append(active, p)
			ids = append(ids, p.UserID)
		}
	}

	users := s.users(ctx, ids)
	for _, p := range active {
		p.User = users[p.UserID]
	}
	view.Participants = active

	if viewer != nil {
		view.ArchivedAt = viewer.ArchivedAt
		unread, err := s.repo.CountUnread(ctx, conv.ID, viewerID, viewer.LastReadMessageID)
		if err != nil {
			return nil, err
		}
		view.UnreadCount = unread
	}

	// The preview is the newest message the viewer has not deleted for
	// themselves, which is not always LastMessageID.
	if conv.LastMessageID != nil {
		latest, err := s.repo.ListMessages(ctx, conv.ID, viewerID, MessagePage{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(latest) > 0 {
			msg := latest[0]
			sender, ok := users[msg.UserID]
			if !ok {
				sender = s.users(ctx, []int64{msg.UserID})[msg.UserID]
			}
			view.LastMessage = buildMessagePayload(msg, sender, s.urls)
		}
	}

	return &view, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
