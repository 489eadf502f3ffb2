package journal

import (
	"context"
	"sync"

	"github.com/haasonsaas/loom/pkg/models"
)

// Store persists journal entries in append order.
type Store interface {
	// Append persists one entry. Called with ids, parents and timestamps
	// already assigned.
	Append(ctx context.Context, e *models.SessionEntry) error

	// Load returns all persisted entries in append order.
	Load(ctx context.Context) ([]*models.SessionEntry, error)

	// Flush forces buffered writes to durable storage.
	Flush(ctx context.Context) error

	Close() error
}

// MemStore keeps entries in memory. Used in tests and for sub-session
// journals that never touch disk.
type MemStore struct {
	mu      sync.Mutex
	entries []*models.SessionEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(ctx context.Context, e *models.SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemStore) Load(ctx context.Context) ([]*models.SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SessionEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *MemStore) Flush(ctx context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }
