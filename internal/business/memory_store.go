package business

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory business store for demo/development mode.
type MemoryStore struct {
	byID   map[string]*Business
	byHash map[string]string // api key hash -> business id
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory business store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Business),
		byHash: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[b.ID] = b
	m.byHash[b.APIKeyHash] = b.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetByAPIKeyHash(ctx context.Context, hash string) (*Business, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Business) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[b.ID]; !ok {
		return ErrNotFound
	}
	m.byID[b.ID] = b
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
