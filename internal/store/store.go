// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
	"github.com/ashureev/artifact-viewer/internal/expiry"
)

// ErrSequenceNotFound is returned when a sequence index is out of range.
var ErrSequenceNotFound = errors.New("sequence not found")

// SessionStore persists the single active session record.
type SessionStore interface {
	// Get returns the current record, or nil when none is persisted or the
	// stored value cannot be decoded.
	Get(ctx context.Context) (*domain.Session, error)

	// Set merges the patch into the stored record, creating it if needed.
	// CreatedAt is stamped on creation only.
	Set(ctx context.Context, patch domain.SessionPatch) (*domain.Session, error)

	// Clear deletes the record. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// SequenceStore persists the animation sequence list independently of the
// session lifecycle.
type SequenceStore interface {
	// ListSequences returns all stored sequences in insertion order.
	ListSequences(ctx context.Context) ([]domain.Sequence, error)

	// AppendSequence adds a sequence to the end of the list.
	AppendSequence(ctx context.Context, seq domain.Sequence) (int, error)

	// DeleteSequence removes the sequence at index.
	DeleteSequence(ctx context.Context, index int) error
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	SessionStore
	SequenceStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// IsValid reports whether s is present and younger than ttl at now.
func IsValid(s *domain.Session, now time.Time, ttl time.Duration) bool {
	if s == nil || s.CreatedAt.IsZero() {
		return false
	}
	return expiry.IsValid(s.CreatedAt, now, ttl)
}
