// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chaincord/internal/domain"
)

// Repository persists the reply ledger.
type Repository interface {
	// RecordReply stores the outcome of one reply. Recording the same request
	// id again replaces the earlier row.
	RecordReply(ctx context.Context, rec *domain.ReplyRecord) error

	// RecentReplies returns up to limit rows, newest first.
	RecentReplies(ctx context.Context, limit int) ([]*domain.ReplyRecord, error)

	// ReplyByMessage finds the row that produced a given reply message id.
	ReplyByMessage(ctx context.Context, messageID string) (*domain.ReplyRecord, error)

	// PruneReplies deletes rows created before the cutoff and returns how many
	// were removed.
	PruneReplies(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
