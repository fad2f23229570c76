// internal/messaging/postgres.go

package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	conversationColumns = `c.id, c.type, c.title, c.created_by, c.last_message_id,
		c.is_archived, c.created_at, c.updated_at`

	participantColumns = `conversation_id, user_id, role, last_read_message_id, joined_at,
		left_at, archived_at, pinned, muted_until`

	messageColumns = `m.id, m.conversation_id, m.user_id, m.type, m.body, m.reply_to_id,
		m.edited_at, m.meta, m.created_at, m.deleted_at`

	attachmentColumns = `a.id, a.message_id, a.disk, a.path, a.filename, a.mime, a.bytes,
		a.width, a.height, a.meta, a.created_at, a.blob_deleted_at`

	pqUniqueViolation = "23505"
)

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// conversationRow carries the viewer's own archive marker next to the row
type conversationRow struct {
	Conversation
	ViewerArchivedAt *time.Time `db:"viewer_archived_at"`
}

// CreateConversation inserts the conversation, its direct pair key and its
// participants in one transaction.
func (r *postgresRepository) CreateConversation(ctx context.Context, conv *Conversation, participants []*Participant) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations (type, title, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if err := tx.QueryRowxContext(ctx, query,
		conv.Type, conv.Title, conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt,
	).Scan(&conv.ID); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	if conv.Type == ConversationDirect {
		if len(participants) != 2 {
			return ErrDirectTarget
		}
		key := directPairKey(participants[0].UserID, participants[1].UserID)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO direct_conversation_keys (pair_key, conversation_id) VALUES ($1, $2)`,
			key, conv.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateDirect
			}
			return fmt.Errorf("insert direct key: %w", err)
		}
	}

	for _, p := range participants {
		p.ConversationID = conv.ID
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
			VALUES (:conversation_id, :user_id, :role, :joined_at)`, p)
		if err != nil {
			return fmt.Errorf("insert participant %d: %w", p.UserID, err)
		}
	}

	return tx.Commit()
}

func (r *postgresRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var conv Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1`

	if err := r.db.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (r *postgresRepository) FindDirectConversation(ctx context.Context, userA, userB int64) (*Conversation, error) {
	var conv Conversation
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN direct_conversation_keys k ON k.conversation_id = c.id
		WHERE k.pair_key = $1`

	if err := r.db.GetContext(ctx, &conv, query, directPairKey(userA, userB)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return &conv, nil
}

// ListUserConversations returns the user's active memberships, most recent activity first
func (r *postgresRepository) ListUserConversations(ctx context.Context, userID int64, filter ConversationFilter) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `, p.archived_at AS viewer_archived_at
		FROM conversations c
		JOIN conversation_participants p
			ON p.conversation_id = c.id AND p.user_id = $1 AND p.left_at IS NULL
		WHERE ($2::boolean IS NULL OR (p.archived_at IS NOT NULL) = $2::boolean)
		  AND ($3 = '' OR c.title ILIKE $4 OR EXISTS (
				SELECT 1
				FROM conversation_participants op
				JOIN users u ON u.id = op.user_id
				WHERE op.conversation_id = c.id
				  AND op.user_id <> $1
				  AND (u.username ILIKE $4 OR u.display_name ILIKE $4)
			))
		ORDER BY c.updated_at DESC, c.last_message_id DESC NULLS LAST, c.id DESC
		LIMIT $5 OFFSET $6`

	pattern := "%" + escapeLike(filter.Query) + "%"

	var rows []conversationRow
	err := r.db.SelectContext(ctx, &rows, query,
		userID, filter.Archived, filter.Query, pattern, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	conversations := make([]*Conversation, 0, len(rows))
	for i := range rows {
		conv := rows[i].Conversation
		conv.ArchivedAt = rows[i].ViewerArchivedAt
		conversations = append(conversations, &conv)
	}
	return conversations, nil
}

func (r *postgresRepository) UpdateConversationTitle(ctx context.Context, id int64, title string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1, updated_at = $2 WHERE id = $3`, title, at, id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return expectRow(res, ErrConversationNotFound)
}

// DeleteConversation removes the conversation and everything under it. It
// returns the attachments whose blobs are still stored so the caller can
// remove them.
func (r *postgresRepository) DeleteConversation(ctx context.Context, id int64) ([]*Attachment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var attachments []*Attachment
	err = tx.SelectContext(ctx, &attachments, `
		SELECT `+attachmentColumns+`
		FROM message_attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = $1 AND a.blob_deleted_at IS NULL`, id)
	if err != nil {
		return nil, fmt.Errorf("list conversation attachments: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete conversation: %w", err)
	}
	if err := expectRow(res, ErrConversationNotFound); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return attachments, nil
}

func (r *postgresRepository) GetParticipant(ctx context.Context, convID, userID int64) (*Participant, error) {
	var p Participant
	query := `SELECT ` + participantColumns + `
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`

	if err := r.db.GetContext(ctx, &p, query, convID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return &p, nil
}

// ListParticipants returns every participant row, including ones that left
func (r *postgresRepository) ListParticipants(ctx context.Context, convID int64) ([]*Participant, error) {
	var participants []*Participant
	query := `SELECT ` + participantColumns + `
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id`

	if err := r.db.SelectContext(ctx, &participants, query, convID); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return participants, nil
}

// AddParticipant inserts a member, or re-activates one that previously left.
// Active members are left untouched.
func (r *postgresRepository) AddParticipant(ctx context.Context, participant *Participant) error {
	query := `
		INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
		VALUES (:conversation_id, :user_id, :role, :joined_at)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET left_at = NULL, joined_at = EXCLUDED.joined_at, role = EXCLUDED.role
		WHERE conversation_participants.left_at IS NOT NULL`

	if _, err := r.db.NamedExecContext(ctx, query, participant); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (r *postgresRepository) SetParticipantLeft(ctx context.Context, convID, userID int64, at time.Time) error {
	return r.updateParticipant(ctx, `left_at = $3`, convID, userID, at)
}

func (r *postgresRepository) SetParticipantArchived(ctx context.Context, convID, userID int64, at *time.Time) error {
	return r.updateParticipant(ctx, `archived_at = $3`, convID, userID, at)
}

func (r *postgresRepository) SetParticipantPinned(ctx context.Context, convID, userID int64, pinned bool) error {
	return r.updateParticipant(ctx, `pinned = $3`, convID, userID, pinned)
}

func (r *postgresRepository) SetParticipantMutedUntil(ctx context.Context, convID, userID int64, until *time.Time) error {
	return r.updateParticipant(ctx, `muted_until = $3`, convID, userID, until)
}

func (r *postgresRepository) updateParticipant(ctx context.Context, set string, convID, userID int64, value interface{}) error {
	query := `UPDATE conversation_participants SET ` + set + `
		WHERE conversation_id = $1 AND user_id = $2`

	res, err := r.db.ExecContext(ctx, query, convID, userID, value)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return expectRow(res, ErrParticipantNotFound)
}

// AdvanceReadCursor moves the cursor forward only. A lower id is a no-op that
// reports the cursor already stored.
func (r *postgresRepository) AdvanceReadCursor(ctx context.Context, convID, userID, messageID int64) (bool, int64, error) {
	query := `
		UPDATE conversation_participants
		SET last_read_message_id = $3
		WHERE conversation_id = $1 AND user_id = $2
		  AND (last_read_message_id IS NULL OR last_read_message_id < $3)
		RETURNING last_read_message_id`

	var cursor int64
	err := r.db.QueryRowxContext(ctx, query, convID, userID, messageID).Scan(&cursor)
	if err == nil {
		return true, cursor, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("advance read cursor: %w", err)
	}

	var current sql.NullInt64
	err = r.db.QueryRowxContext(ctx, `
		SELECT last_read_message_id FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2`, convID, userID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, ErrParticipantNotFound
		}
		return false, 0, fmt.Errorf("read cursor: %w", err)
	}
	return false, current.Int64, nil
}

func (r *postgresRepository) CreateMessage(ctx context.Context, message *Message, attachments []*Attachment) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (conversation_id, user_id, type, body, reply_to_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err = tx.QueryRowxContext(ctx, query,
		message.ConversationID, message.UserID, message.Type, message.Body,
		message.ReplyToID, message.Meta, message.CreatedAt,
	).Scan(&message.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, a := range attachments {
		a.MessageID = message.ID
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO message_attachments
				(message_id, disk, path, filename, mime, bytes, width, height, meta, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			a.MessageID, a.Disk, a.Path, a.Filename, a.Mime, a.Bytes,
			a.Width, a.Height, a.Meta, a.CreatedAt,
		).Scan(&a.ID)
		if err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $2, updated_at = $3
		WHERE id = $1 AND (last_message_id IS NULL OR last_message_id < $2)`,
		message.ConversationID, message.ID, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("advance last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	message.Attachments = attachments
	return nil
}

func (r *postgresRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var msg Message
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = $1`

	if err := r.db.GetContext(ctx, &msg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	if err := r.loadAttachments(ctx, []*Message{&msg}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages pages by id, newest first. Rows the viewer suppressed are
// skipped; rows deleted for everyone are kept.
func (r *postgresRepository) ListMessages(ctx context.Context, convID, viewerID int64, page MessagePage) ([]*Message, error) {
	order := "DESC"
	if page.AfterID > 0 && page.BeforeID == 0 {
		order = "ASC"
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1
		  AND NOT EXISTS (
				SELECT 1 FROM message_suppressions s
				WHERE s.message_id = m.id AND s.user_id = $2
			)
		  AND ($3 = 0 OR m.id < $3)
		  AND ($4 = 0 OR m.id > $4)
		ORDER BY m.id ` + order + `
		LIMIT $5`

	var messages []*Message
	err := r.db.SelectContext(ctx, &messages, query,
		convID, viewerID, page.BeforeID, page.AfterID, page.Limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if order == "ASC" {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	if err := r.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *postgresRepository) loadAttachments(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, len(messages))
	byID := make(map[int64]*Message, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		byID[m.ID] = m
	}

	var attachments []*Attachment
	err := r.db.SelectContext(ctx, &attachments, `
		SELECT `+attachmentColumns+`
		FROM message_attachments a
		WHERE a.message_id = ANY($1)
		ORDER BY a.id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}

	for _, a := range attachments {
		if m, ok := byID[a.MessageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return nil
}

func (r *postgresRepository) UpdateMessageBody(ctx context.Context, id int64, body string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET body = $1, edited_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		body, editedAt, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return expectRow(res, ErrMessageNotFound)
}

// MarkMessageDeleted sets deleted_at once; it reports false when the message
// was already deleted.
func (r *postgresRepository) MarkMessageDeleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL`, at, id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *postgresRepository) SuppressMessage(ctx context.Context, userID, messageID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_suppressions (user_id, message_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_id) DO NOTHING`, userID, messageID, at)
	if err != nil {
		return fmt.Errorf("suppress message: %w", err)
	}
	return nil
}

func (r *postgresRepository) IsMessageSuppressed(ctx context.Context, userID, messageID int64) (bool, error) {
	var hidden bool
	err := r.db.GetContext(ctx, &hidden, `
		SELECT EXISTS(
			SELECT 1 FROM message_suppressions
			WHERE user_id = $1 AND message_id = $2
		)`, userID, messageID)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return hidden, nil
}

// CountUnread counts messages from other senders after the cursor, leaving
// out the ones the viewer deleted for themselves. A nil cursor counts the
// whole conversation.
func (r *postgresRepository) CountUnread(ctx context.Context, convID, userID int64, after *int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = $1
		  AND m.user_id <> $2
		  AND ($3::bigint IS NULL OR m.id > $3::bigint)
		  AND NOT EXISTS (
				SELECT 1 FROM message_suppressions s
				WHERE s.message_id = m.id AND s.user_id = $2
			)`, convID, userID, after)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	var a Attachment
	if err := r.db.GetContext(ctx, &a,
		`SELECT `+attachmentColumns+` FROM message_attachments a WHERE a.id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}

// ListOrphanedBlobs returns attachments of messages deleted for everyone whose
// blobs have not been removed yet.
func (r *postgresRepository) ListOrphanedBlobs(ctx context.Context, limit int) ([]*Attachment, error) {
	var attachments []*Attachment
	err := r.db.SelectContext(ctx, &attachments, `
		SELECT `+attachmentColumns+`
		FROM message_attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE m.deleted_at IS NOT NULL AND a.blob_deleted_at IS NULL
		ORDER BY a.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned blobs: %w", err)
	}
	return attachments, nil
}

func (r *postgresRepository) MarkBlobDeleted(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_attachments SET blob_deleted_at = $1
		WHERE id = $2 AND blob_deleted_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("mark blob deleted: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetUsers(ctx context.Context, ids []int64) (map[int64]*UserInfo, error) {
	users := make(map[int64]*UserInfo, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	var rows []*UserInfo
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, COALESCE(display_name, username) AS name, profile_picture AS avatar_url
		FROM users
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}

	for _, u := range rows {
		users[u.ID] = u
	}
	return users, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
