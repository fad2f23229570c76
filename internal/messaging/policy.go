// internal/messaging/policy.go

package messaging

import (
	"time"
)

const (
	DefaultEditWindow   = 15 * time.Minute
	DefaultDeleteWindow = 48 * time.Hour
)

// Policy holds the time windows used by the message predicates. All other
// predicates are plain functions of the actor and the resource.
type Policy struct {
	EditWindow   time.Duration
	DeleteWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{EditWindow: DefaultEditWindow, DeleteWindow: DefaultDeleteWindow}
}

// CanView: the actor holds an active participant row
func CanView(p *Participant) bool {
	return p.IsActive()
}

// CanSend: active and not archived by the participant themselves
func CanSend(p *Participant) bool {
	return p.IsActive() && p.ArchivedAt == nil
}

func CanToggleArchive(p *Participant) bool {
	return p.IsActive()
}

func CanUpdateConversation(c *Conversation, p *Participant, actorID int64) bool {
	if c == nil {
		return false
	}
	if c.CreatedBy == actorID {
		return true
	}
	return p.IsActive() && (p.Role == RoleOwner || p.Role == RoleAdmin)
}

func CanDeleteConversation(c *Conversation, actorID int64) bool {
	return c != nil && c.CreatedBy == actorID
}

// CanAddParticipants follows the update rule and only applies to groups
func CanAddParticipants(c *Conversation, p *Participant, actorID int64) bool {
	return c != nil && c.Type == ConversationGroup && p.IsActive() && CanUpdateConversation(c, p, actorID)
}

// CanViewMessage defers to the owning conversation
func CanViewMessage(p *Participant) bool {
	return CanView(p)
}

// CanEditMessage: sender only, still a member, inside the edit window
// (inclusive), and not already deleted for everyone.
func (pol Policy) CanEditMessage(m *Message, p *Participant, actorID int64, now time.Time) bool {
	if m == nil || m.IsDeleted() || m.UserID != actorID || !p.IsActive() {
		return false
	}
	return !now.After(m.CreatedAt.Add(pol.EditWindow))
}

func (pol Policy) CanDeleteForEveryone(m *Message, p *Participant, actorID int64, now time.Time) bool {
	if m == nil || m.UserID != actorID || !p.IsActive() {
		return false
	}
	return !now.After(m.CreatedAt.Add(pol.DeleteWindow))
}

func CanDeleteForMe(p *Participant) bool {
	return p.IsActive()
}

func CanViewAttachment(p *Participant) bool {
	return CanView(p)
}
