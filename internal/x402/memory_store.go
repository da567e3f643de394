package x402

import (
	"context"
	"fmt"
	"sync"

	"github.com/profullstack/coinpayportal/internal/verify"
)

// MemoryStore is an in-memory payment store for demo/development mode.
// It mirrors the Postgres store's unique-key and conditional-update
// semantics.
type MemoryStore struct {
	payments map[string]*Payment // keyed by network + unique key
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func replayKey(network verify.Network, uniqueKey string) string {
	return string(network) + "\x00" + uniqueKey
}

func (m *MemoryStore) Insert(ctx context.Context, payment *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := replayKey(payment.Network, payment.UniqueKey)
	if _, ok := m.payments[key]; ok {
		return ErrReplayDetected
	}
	cp := *payment
	m.payments[key] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, network verify.Network, businessID, uniqueKey string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	payment, ok := m.payments[replayKey(network, uniqueKey)]
	if !ok || payment.BusinessID != businessID {
		return nil, ErrPaymentNotFound
	}
	cp := *payment
	return &cp, nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, payment *Payment, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := replayKey(payment.Network, payment.UniqueKey)
	current, ok := m.payments[key]
	if !ok {
		return ErrPaymentNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("payment is %s, expected %s: %w", current.Status, expected, ErrUpdateConflict)
	}
	cp := *payment
	m.payments[key] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
