package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/profullstack/coinpayportal/internal/wallet"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// It mirrors the Postgres store's conditional-update semantics.
type MemoryStore struct {
	escrows map[string]*Escrow
	events  map[string][]*Event
	indexes map[wallet.Chain]uint32
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		events:  make(map[string][]*Event),
		indexes: make(map[wallet.Chain]uint32),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; ok {
		return fmt.Errorf("escrow %s already exists", escrow.ID)
	}
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(escrow), nil
}

func (m *MemoryStore) UpdateIf(ctx context.Context, escrow *Escrow, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.escrows[escrow.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidState, current.Status, expected)
	}
	m.escrows[escrow.ID] = copyEscrow(escrow)
	return nil
}

func (m *MemoryStore) ListByAddress(ctx context.Context, address string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if strings.EqualFold(e.DepositorAddress, address) || strings.EqualFold(e.BeneficiaryAddress, address) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, e := range m.escrows {
		if e.Status == StatusCreated && e.ExpiresAt.Before(now) {
			e.Status = StatusExpired
			e.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) NextAddressIndex(ctx context.Context, chain wallet.Chain) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := m.indexes[chain]
	m.indexes[chain] = index + 1
	return index, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	cp := *event
	cp.ID = m.nextID
	m.events[event.EscrowID] = append(m.events[event.EscrowID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[escrowID]
	if len(events) > limit {
		events = events[:limit]
	}
	result := make([]*Event, len(events))
	for i, ev := range events {
		cp := *ev
		result[i] = &cp
	}
	return result, nil
}

// copyEscrow deep-copies so callers never share the stored pointer or
// its metadata map.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
