// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/expertline/internal/domain"
)

// Repository persists the companion's local state: the login and the last
// conversation per expert.
type Repository interface {
	// GetCredentials returns the stored login, or nil if logged out.
	GetCredentials(ctx context.Context) (*domain.Credentials, error)

	// SaveCredentials replaces the stored login.
	SaveCredentials(ctx context.Context, creds *domain.Credentials) error

	// DeleteCredentials removes the stored login.
	DeleteCredentials(ctx context.Context) error

	// GetLastConversation returns the last conversation id for an expert, or "".
	GetLastConversation(ctx context.Context, expertID string) (string, error)

	// SetLastConversation records the last conversation id for an expert.
	SetLastConversation(ctx context.Context, expertID, conversationID string) error

	// ClearLastConversations removes every remembered conversation id.
	ClearLastConversations(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
