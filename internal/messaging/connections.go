// internal/messaging/connections.go

package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ConnectionChecker answers whether two users hold an accepted connection.
// The social graph is owned elsewhere; this package only reads it.
type ConnectionChecker interface {
	IsAcceptedConnection(ctx context.Context, userA, userB int64) (bool, error)
}

type postgresConnections struct {
	db *sqlx.DB
}

func NewPostgresConnections(db *sqlx.DB) ConnectionChecker {
	return &postgresConnections{db: db}
}

func (c *postgresConnections) IsAcceptedConnection(ctx context.Context, userA, userB int64) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM user_connections
			WHERE status = 'accepted'
			  AND ((requester_id = $1 AND addressee_id = $2)
			    OR (requester_id = $2 AND addressee_id = $1))
		)`

	var exists bool
	if err := c.db.GetContext(ctx, &exists, query, userA, userB); err != nil {
		return false, fmt.Errorf("check connection: %w", err)
	}
	return exists, nil
}

// StaticConnections is an in-memory, symmetric connection set
type StaticConnections struct {
	mu    sync.RWMutex
	pairs map[string]bool
}

func NewStaticConnections() *StaticConnections {
	return &StaticConnections{pairs: make(map[string]bool)}
}

func (s *StaticConnections) Connect(userA, userB int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[directPairKey(userA, userB)] = true
}

func (s *StaticConnections) IsAcceptedConnection(ctx context.Context, userA, userB int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs[directPairKey(userA, userB)], nil
}

// OpenConnections treats every pair of users as connected. Only for local
// runs against the in-memory store.
type OpenConnections struct{}

func (OpenConnections) IsAcceptedConnection(ctx context.Context, userA, userB int64) (bool, error) {
	return userA != userB, nil
}
