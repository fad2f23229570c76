// internal/messaging/schema.go

package messaging

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations create the messaging tables. users and user_connections are
// owned by the identity and social services; they are only created here
// when missing so a fresh database can boot.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(100) UNIQUE NOT NULL,
		display_name VARCHAR(100),
		profile_picture TEXT,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS user_connections (
		requester_id BIGINT NOT NULL,
		addressee_id BIGINT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (requester_id, addressee_id)
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(16) NOT NULL CHECK (type IN ('direct', 'group')),
		title VARCHAR(120),
		created_by BIGINT NOT NULL,
		last_message_id BIGINT,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK ((type = 'group' AND title IS NOT NULL) OR (type = 'direct' AND title IS NULL))
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'member',
		last_read_message_id BIGINT,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		left_at TIMESTAMPTZ,
		archived_at TIMESTAMPTZ,
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		muted_until TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversation_participants_user
		ON conversation_participants(user_id) WHERE left_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS direct_conversation_keys (
		pair_key VARCHAR(64) PRIMARY KEY,
		conversation_id BIGINT NOT NULL UNIQUE REFERENCES conversations(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		type VARCHAR(16) NOT NULL DEFAULT 'text',
		body TEXT,
		reply_to_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
		edited_at TIMESTAMPTZ,
		meta JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, id DESC)`,

	`CREATE TABLE IF NOT EXISTS message_attachments (
		id BIGSERIAL PRIMARY KEY,
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		disk VARCHAR(32) NOT NULL,
		path TEXT NOT NULL,
		filename VARCHAR(255) NOT NULL DEFAULT '',
		mime VARCHAR(255) NOT NULL,
		bytes BIGINT NOT NULL,
		width INTEGER,
		height INTEGER,
		meta JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		blob_deleted_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_message_attachments_message
		ON message_attachments(message_id)`,

	`CREATE TABLE IF NOT EXISTS message_suppressions (
		user_id BIGINT NOT NULL,
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, message_id)
	)`,
}

// Migrate creates the messaging schema if it does not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
