// Package business manages merchant accounts and their API keys.
//
// Authentication model: facilitator endpoints are scoped to one business via
// an x-api-key header. Raw keys are shown once at registration; only the
// SHA-256 hash is stored and looked up.
package business

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/profullstack/coinpayportal/internal/fees"
)

var (
	ErrNotFound      = errors.New("business not found")
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrInactive      = errors.New("business is not active")
)

// Business represents a merchant account.
type Business struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Tier             fees.Tier         `json:"tier"`
	APIKeyHash       string            `json:"-"` // SHA256 of the raw key
	PayoutAddresses  map[string]string `json:"payoutAddresses,omitempty"` // chain -> address
	StripeCustomerID string            `json:"stripeCustomerId,omitempty"`
	Active           bool              `json:"active"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Store persists businesses.
type Store interface {
	Create(ctx context.Context, b *Business) error
	Get(ctx context.Context, id string) (*Business, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*Business, error)
	Update(ctx context.Context, b *Business) error
}

// Manager handles registration and API-key authentication.
type Manager struct {
	store Store
}

// NewManager creates a new business manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Register creates a business on the free tier and issues its API key.
// The raw key is returned exactly once.
func (m *Manager) Register(ctx context.Context, name string) (rawKey string, b *Business, err error) {
	b32 := make([]byte, 32)
	if _, err := rand.Read(b32); err != nil {
		return "", nil, err
	}
	rawKey = "cpp_" + hex.EncodeToString(b32)

	now := time.Now()
	b = &Business{
		// The public ID must share no bits with the credential.
		ID:         "biz_" + uuid.NewString(),
		Name:       strings.TrimSpace(name),
		Tier:       fees.TierFree,
		APIKeyHash: HashKey(rawKey),
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.store.Create(ctx, b); err != nil {
		return "", nil, err
	}
	return rawKey, b, nil
}

// Authenticate resolves a business from a raw API key.
// It never reveals which part of the credential was wrong.
func (m *Manager) Authenticate(ctx context.Context, rawKey string) (*Business, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "cpp_") {
		return nil, ErrInvalidAPIKey
	}

	b, err := m.store.GetByAPIKeyHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if !b.Active {
		return nil, ErrInvalidAPIKey
	}
	return b, nil
}

// SetTier updates the subscription tier for a business.
func (m *Manager) SetTier(ctx context.Context, id string, tier fees.Tier) (*Business, error) {
	b, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Tier = tier
	b.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// HashKey returns the hex SHA-256 digest of a raw API key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
