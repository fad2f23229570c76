// internal/messaging/errors.go

package messaging

import (
	"errors"
)

// Kind is the stable, machine-readable class of a messaging failure
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Error is a typed messaging failure carrying a kind and a human message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and message so wrapped copies of a sentinel still match it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func AuthorizationError(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func NotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func ConflictError(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

var (
	ErrConversationNotFound = NotFoundError("conversation not found")
	ErrMessageNotFound      = NotFoundError("message not found")
	ErrAttachmentNotFound   = NotFoundError("attachment not found")
	ErrParticipantNotFound  = NotFoundError("participant not found")

	ErrNotParticipant       = AuthorizationError("not a participant in this conversation")
	ErrConversationArchived = AuthorizationError("conversation is archived")
	ErrNotAllowed           = AuthorizationError("not allowed")
	ErrEditWindowElapsed    = AuthorizationError("edit window has elapsed")
	ErrDeleteWindowElapsed  = AuthorizationError("delete window has elapsed")

	ErrEmptyMessage             = ValidationError("message must have a body or at least one attachment")
	ErrReplyOutsideConversation = ValidationError("reply target is not in this conversation")
	ErrReadCursorForeign        = ValidationError("message does not belong to this conversation")
	ErrNotConnected             = ValidationError("users are not connected")
	ErrSelfConversation         = ValidationError("cannot start a conversation with yourself")
	ErrGroupTitleRequired       = ValidationError("group conversations require a title")
	ErrDirectTitleForbidden     = ValidationError("direct conversations cannot have a title")
	ErrGroupTooSmall            = ValidationError("group conversations require at least two other participants")
	ErrDirectTarget             = ValidationError("direct conversations require exactly one target user")
	ErrDirectLeave              = ValidationError("direct conversations cannot be left")
	ErrNotGroup                 = ValidationError("participants can only be added to group conversations")
	ErrTooManyAttachments       = ValidationError("too many attachments")
	ErrAttachmentTooLarge       = ValidationError("attachment exceeds the maximum size")
	ErrInvalidScope             = ValidationError("delete scope must be 'me' or 'all'")
	ErrInvalidFrame             = ValidationError("frame is not valid JSON")
	ErrUnknownAction            = ValidationError("unknown action")

	// ErrDuplicateDirect is returned by a Repository when the direct pair key
	// already exists; services turn it into a lookup of the existing row.
	ErrDuplicateDirect = ConflictError("direct conversation already exists")
)

// KindOf returns the kind of a messaging error, or KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
