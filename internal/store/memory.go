package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
)

// MemoryStore is an in-process Repository. It backs tests and runs where no
// durable storage is wanted.
type MemoryStore struct {
	mu        sync.Mutex
	session   *domain.Session
	sequences []domain.Sequence
	now       func() time.Time
}

// NewMemory creates an empty in-memory repository. A nil clock uses time.Now.
func NewMemory(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now}
}

// Get returns a copy of the stored session.
func (m *MemoryStore) Get(_ context.Context) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	copy := *m.session
	return &copy, nil
}

// Set merges patch into the stored session.
func (m *MemoryStore) Set(_ context.Context, patch domain.SessionPatch) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := patch.Apply(m.session, m.now())
	if err != nil {
		return nil, fmt.Errorf("merge session: %w", err)
	}
	m.session = next
	copy := *next
	return &copy, nil
}

// Clear removes the stored session.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

// ListSequences returns the stored sequences.
func (m *MemoryStore) ListSequences(_ context.Context) ([]domain.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Sequence{}, m.sequences...), nil
}

// AppendSequence adds seq to the list.
func (m *MemoryStore) AppendSequence(_ context.Context, seq domain.Sequence) (int, error) {
	if err := domain.ValidateSequence(seq); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences = append(m.sequences, slices.Clone(seq))
	return len(m.sequences) - 1, nil
}

// DeleteSequence removes the sequence at index.
func (m *MemoryStore) DeleteSequence(_ context.Context, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.sequences) {
		return ErrSequenceNotFound
	}
	m.sequences = slices.Delete(m.sequences, index, index+1)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*SQLiteStore)(nil)
)
