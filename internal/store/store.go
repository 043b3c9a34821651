// Package store persists exchanges that have not reached the conversation
// backend yet, so a failed save can be retried after a restart.
package store

import (
	"context"

	"github.com/ashureev/chatrelay/internal/domain"
)

// Repository defines the journal of unsaved exchanges.
type Repository interface {
	// SaveExchange inserts or replaces an exchange.
	SaveExchange(ctx context.Context, ex *domain.PendingExchange) error

	// GetExchange returns an exchange by id, or nil if there is none.
	GetExchange(ctx context.Context, id string) (*domain.PendingExchange, error)

	// ListExchanges returns exchanges for a local conversation key in
	// submission order. An empty key lists every exchange.
	ListExchanges(ctx context.Context, localKey string) ([]*domain.PendingExchange, error)

	// AssignConversation records the backend id on every exchange of the
	// local key that does not have one yet.
	AssignConversation(ctx context.Context, localKey string, conversationID int64) (int64, error)

	// DeleteExchange removes an exchange once it is fully stored.
	DeleteExchange(ctx context.Context, id string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
