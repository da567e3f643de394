package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profullstack/coinpayportal/internal/testutil"
	"github.com/profullstack/coinpayportal/internal/token"
	"github.com/profullstack/coinpayportal/internal/wallet"
)

func pgEscrow(index uint32) *Escrow {
	now := time.Now().UTC()
	return &Escrow{
		ID:                 "esc_" + uuid.NewString(),
		Chain:              wallet.ChainEthereum,
		EscrowAddress:      "0x" + uuid.NewString()[:8] + "00000000000000000000000000000000",
		AddressIndex:       index,
		DepositorAddress:   "0x1111111111111111111111111111111111111111",
		BeneficiaryAddress: "0x2222222222222222222222222222222222222222",
		Amount:             "1.50000000",
		FeeAmount:          "0.01500000",
		ReleaseToken:       token.New(),
		BeneficiaryToken:   token.New(),
		Status:             StatusCreated,
		Metadata:           map[string]string{"orderId": "42"},
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Hour),
		UpdatedAt:          now,
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow(1)
	require.NoError(t, store.Create(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, wallet.ChainEthereum, got.Chain)
	assert.Equal(t, "1.50000000", got.Amount)
	assert.Equal(t, "0.01500000", got.FeeAmount)
	assert.Equal(t, e.ReleaseToken, got.ReleaseToken)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, map[string]string{"orderId": "42"}, got.Metadata)
	assert.Nil(t, got.FundedAt)

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStoreUpdateIfStatusGate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow(2)
	require.NoError(t, store.Create(ctx, e))

	now := time.Now().UTC()
	e.Status = StatusFunded
	e.DepositedAmount = "1.50000000"
	e.DepositTxHash = "0xabc"
	e.FundedAt = &now
	require.NoError(t, store.UpdateIf(ctx, e, StatusCreated))

	// The row already moved on; the stale expectation loses.
	err := store.UpdateIf(ctx, e, StatusCreated)
	assert.ErrorIs(t, err, ErrInvalidState)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.Equal(t, "0xabc", got.DepositTxHash)
	require.NotNil(t, got.FundedAt)

	missing := pgEscrow(3)
	err = store.UpdateIf(ctx, missing, StatusCreated)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStoreExpireStale(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	stale := pgEscrow(4)
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, stale))

	fresh := pgEscrow(5)
	require.NoError(t, store.Create(ctx, fresh))

	count, err := store.ExpireStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestPostgresStoreNextAddressIndex(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	first, err := store.NextAddressIndex(ctx, wallet.ChainEthereum)
	require.NoError(t, err)
	second, err := store.NextAddressIndex(ctx, wallet.ChainSolana)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestPostgresStoreEvents(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow(6)
	require.NoError(t, store.Create(ctx, e))

	require.NoError(t, store.AppendEvent(ctx, &Event{
		EscrowID:  e.ID,
		Type:      EventCreated,
		Actor:     "depositor",
		Details:   map[string]string{"amount": e.Amount},
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.AppendEvent(ctx, &Event{
		EscrowID:  e.ID,
		Type:      EventFunded,
		CreatedAt: time.Now().UTC(),
	}))

	events, err := store.ListEvents(ctx, e.ID, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, "depositor", events[0].Actor)
	assert.Equal(t, EventFunded, events[1].Type)
}
