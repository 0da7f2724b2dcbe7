package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]string)}
}

func (m *MemoryStore) ReadPosition(_ context.Context, service string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[service]
	return pos, ok, nil
}

func (m *MemoryStore) Commit(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[cp.Service] = cp.Position
	return nil
}

func (m *MemoryStore) Close() error { return nil }
