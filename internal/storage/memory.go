package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process. Used by tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Prepend(_ context.Context, key string, value []byte, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([][]byte{append([]byte(nil), value...)}, m.lists[key]...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) Range(_ context.Context, key string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list, ok := m.lists[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([][]byte, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
