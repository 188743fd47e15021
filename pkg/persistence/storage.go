// Package persistence saves and loads store snapshots through a swappable
// storage strategy.
package persistence

import (
	"context"
	"sync"
)

// Storage is a key-value strategy holding serialized state.
type Storage interface {
	// Name identifies the backend in logs and status output
	Name() string
	// GetItem returns the value for key and whether it exists
	GetItem(ctx context.Context, key string) (string, bool, error)
	// SetItem stores value under key
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem deletes key; removing an absent key succeeds
	RemoveItem(ctx context.Context, key string) error
}

// MemoryStorage keeps items in process memory.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) Name() string { return "memory" }

func (m *MemoryStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
