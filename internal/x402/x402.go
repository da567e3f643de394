// Package x402 implements the two-phase payment facilitator: verify a
// payment proof, then settle it. Verification records the proof under a
// per-rail unique key so each proof is accepted at most once; settlement
// transitions that record exactly once via conditional updates.
package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/profullstack/coinpayportal/internal/verify"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrReplayDetected marks a proof whose unique key was already
	// accepted on the same network.
	ErrReplayDetected = errors.New("payment proof already used")
	// ErrAlreadySettled marks a second settlement attempt for a payment.
	ErrAlreadySettled = errors.New("payment already settled")
	// ErrVerifyFirst marks a settlement attempt for a proof that was
	// never verified.
	ErrVerifyFirst = errors.New("payment must be verified before settlement")
	// ErrInvalidProof marks a proof missing its rail's unique key.
	ErrInvalidProof = errors.New("payment proof carries no unique key")
	// ErrUpdateConflict marks a conditional update that lost to a
	// concurrent transition; callers re-read to learn the winner.
	ErrUpdateConflict = errors.New("payment status changed concurrently")
)

// SettlementError carries rail-specific failure detail for settlements
// that reached the rail and failed there.
type SettlementError struct {
	Network verify.Network
	TxHash  string
	Detail  string
	Err     error
}

func (e *SettlementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement failed on %s: %s: %v", e.Network, e.Detail, e.Err)
	}
	return fmt.Sprintf("settlement failed on %s: %s", e.Network, e.Detail)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Status is the lifecycle of a recorded payment.
type Status string

const (
	// StatusVerified: proof accepted, not yet settled.
	StatusVerified Status = "verified"
	// StatusSettled: settlement completed; tx_hash is final.
	StatusSettled Status = "settled"
	// StatusPendingConfirmation: settlement attempted but the chain has
	// not reached finality; a later settle call re-checks.
	StatusPendingConfirmation Status = "pending_confirmation"
	// StatusSettlementFailed: the rail rejected or errored at
	// settlement time.
	StatusSettlementFailed Status = "settlement_failed"
)

// Payment is one recorded payment proof and its settlement state.
type Payment struct {
	ID          string          `json:"id"`
	Network     verify.Network  `json:"network"`
	Scheme      verify.Scheme   `json:"scheme"`
	Asset       string          `json:"asset,omitempty"`
	FromAddress string          `json:"fromAddress,omitempty"`
	ToAddress   string          `json:"toAddress,omitempty"`
	Amount      string          `json:"amount,omitempty"`
	BusinessID  string          `json:"businessId"`
	UniqueKey   string          `json:"-"`
	Status      Status          `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
	ErrorDetail string          `json:"errorDetail,omitempty"`
	RawProof    json.RawMessage `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	SettledAt   *time.Time      `json:"settledAt,omitempty"`
}

// Store persists payment records. Insert enforces the at-most-once
// guarantee: a second insert with the same (network, unique key)
// returns ErrReplayDetected. UpdateIf writes only when the stored
// status matches expected.
type Store interface {
	Insert(ctx context.Context, payment *Payment) error
	Get(ctx context.Context, network verify.Network, businessID, uniqueKey string) (*Payment, error)
	UpdateIf(ctx context.Context, payment *Payment, expected Status) error
}
