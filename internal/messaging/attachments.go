// internal/messaging/attachments.go

package messaging

import (
	"context"
	"errors"
	"io"
)

// AttachmentService serves attachment bytes. Every fetch re-checks that the
// caller can still see the owning conversation.
type AttachmentService struct {
	base
}

func NewAttachmentService(repo Repository, blobs *BlobStore, opts ...Option) *AttachmentService {
	opts = append([]Option{WithBlobStore(blobs)}, opts...)
	return &AttachmentService{base: newBase(repo, nil, "attachments", opts)}
}

// Open returns the attachment and a stream of its content. The caller
// closes the stream.
func (s *AttachmentService) Open(ctx context.Context, attachmentID, userID int64) (*Attachment, io.ReadCloser, error) {
	a, err := s.repo.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.repo.GetMessage(ctx, a.MessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	p, err := s.participant(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, s.deny("view_attachment", ErrAttachmentNotFound)
	}
	if !CanViewAttachment(p) {
		return nil, nil, s.deny("view_attachment", ErrNotAllowed)
	}
	if msg.IsDeleted() || a.BlobDeletedAt != nil {
		return nil, nil, ErrAttachmentNotFound
	}

	rc, err := s.blobs.Stream(ctx, a.Disk, a.Path)
	if errors.Is(err, ErrBlobNotFound) {
		s.logger.Warn("attachment blob missing", "attachment_id", a.ID, "disk", a.Disk)
		return nil, nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return a, rc, nil
}
