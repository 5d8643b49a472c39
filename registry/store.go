package registry

// This file contains the backing store contract of the registry and the
// in-memory store used when no persistence is configured.

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/testbit/testbit/model"
)

// Store persists test records and their patches. Implementations must be
// safe for concurrent use; the registry serializes mutations itself.
type Store interface {
	// Load returns every stored test ordered by id.
	Load(ctx context.Context) ([]model.Test, error)
	// Create stores a new test together with its patch.
	Create(ctx context.Context, t model.Test, patch []byte) error
	// Update replaces the record of an existing test.
	Update(ctx context.Context, t model.Test) error
	// Patch returns the patch stored with a test.
	Patch(ctx context.Context, id int64) ([]byte, error)
	Close() error
}

// idReserver is implemented by stores that can hold ids without a loadable
// record. The registry never hands out such an id again.
type idReserver interface {
	MaxID(ctx context.Context) (int64, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	tests   map[int64]model.Test
	patches map[int64][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:   make(map[int64]model.Test),
		patches: make(map[int64][]byte),
	}
}

func (s *MemoryStore) Load(ctx context.Context) ([]model.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tests := make([]model.Test, 0, len(s.tests))
	for _, t := range s.tests {
		tests = append(tests, t)
	}
	sort.Slice(tests, func(i, j int) bool {
		return tests[i].ID < tests[j].ID
	})
	return tests, nil
}

func (s *MemoryStore) Create(ctx context.Context, t model.Test, patch []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[t.ID]; ok {
		return fmt.Errorf("test %d already exists", t.ID)
	}
	s.tests[t.ID] = t
	s.patches[t.ID] = append([]byte(nil), patch...)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, t model.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[t.ID]; !ok {
		return fmt.Errorf("test %d: %w", t.ID, ErrNotFound)
	}
	s.tests[t.ID] = t
	return nil
}

func (s *MemoryStore) Patch(ctx context.Context, id int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patch, ok := s.patches[id]
	if !ok {
		return nil, fmt.Errorf("test %d: %w", id, ErrNotFound)
	}
	return append([]byte(nil), patch...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
