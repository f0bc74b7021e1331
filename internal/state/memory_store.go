package state

import (
	"context"
	"sync"
)

// MemoryStore keeps the singleton in process memory. It is intended for unit tests and local
// development and does not survive restarts.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewMemoryStore(initial Snapshot) *MemoryStore {
	return &MemoryStore{snap: initial.Clone()}
}

func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

func (s *MemoryStore) Mutate(_ context.Context, fn func(*Snapshot) error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := Apply(s.snap, fn)
	if err != nil {
		return Snapshot{}, err
	}
	s.snap = next
	return next.Clone(), nil
}
