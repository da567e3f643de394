// Package verify implements one payment-proof verification strategy per
// settlement rail: EVM typed-data signatures, UTXO transaction lookups,
// Solana transaction finality, Lightning preimages, and Stripe payment
// intents.
//
// Verification is three-valued, not boolean. UTXO and Solana proofs are
// accepted optimistically before finality (AcceptedPending); settlement
// re-checks finality before treating them as settled. Lightning and EVM
// signatures are final at verification time.
package verify

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedRail marks a (network, scheme) combination the
	// facilitator recognises but has not implemented. Distinct from a
	// malformed proof: it signals "not yet", not "never".
	ErrUnsupportedRail = errors.New("unsupported network/scheme")

	// ErrUpstream marks a chain RPC or provider failure during
	// verification or settlement.
	ErrUpstream = errors.New("upstream failure")
)

// Network identifies a settlement rail.
type Network string

const (
	NetworkEthereum    Network = "ethereum"
	NetworkPolygon     Network = "polygon"
	NetworkBase        Network = "base"
	NetworkBitcoin     Network = "bitcoin"
	NetworkBitcoinCash Network = "bitcoin-cash"
	NetworkSolana      Network = "solana"
	NetworkLightning   Network = "lightning"
	NetworkStripe      Network = "stripe"
)

// Scheme identifies the proof format carried in the payload.
type Scheme string

const (
	SchemeExact          Scheme = "exact"
	SchemeBolt12         Scheme = "bolt12"
	SchemeStripeCheckout Scheme = "stripe-checkout"
)

// Status is the three-valued verification outcome.
type Status int

const (
	// Rejected means the proof is invalid; Result.Reason says why.
	Rejected Status = iota
	// AcceptedPending means the proof looks genuine but chain finality
	// has not been observed yet.
	AcceptedPending
	// AcceptedFinal means the proof is conclusively valid.
	AcceptedFinal
)

func (s Status) String() string {
	switch s {
	case AcceptedPending:
		return "accepted_pending"
	case AcceptedFinal:
		return "accepted_final"
	default:
		return "rejected"
	}
}

// Result is the normalized outcome every verifier produces.
type Result struct {
	Status Status
	TxRef  string // rail-specific settlement reference (tx hash, payment hash, intent id)
	Payer  string // recovered/claimed payer identity, when known
	Reason string // populated when Status == Rejected
}

// Proof is the normalized rail-specific payment payload. Exactly the
// fields for one rail are set; UniqueKey picks the idempotency key.
type Proof struct {
	Network Network `json:"network"`
	Scheme  Scheme  `json:"scheme"`
	Asset   string  `json:"asset,omitempty"`
	From    string  `json:"from,omitempty"`
	To      string  `json:"to,omitempty"`
	Amount  string  `json:"amount,omitempty"`

	// EVM
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"` // unix seconds
	TxHash    string `json:"txHash,omitempty"`

	// UTXO
	TxID string `json:"txId,omitempty"`

	// Solana
	TxSignature string `json:"txSignature,omitempty"`

	// Lightning
	Preimage    string `json:"preimage,omitempty"`
	PaymentHash string `json:"paymentHash,omitempty"`

	// Stripe
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

// UniqueKey returns the rail-specific idempotency key: the first present
// of nonce, txId, txSignature, preimage, then the Stripe intent id.
// Empty means the proof cannot be deduplicated and must be rejected.
func (p *Proof) UniqueKey() string {
	switch {
	case p.Nonce != "":
		return p.Nonce
	case p.TxID != "":
		return p.TxID
	case p.TxSignature != "":
		return p.TxSignature
	case p.Preimage != "":
		return p.Preimage
	case p.PaymentIntentID != "":
		return p.PaymentIntentID
	}
	return ""
}

// Verifier validates a payment proof for one rail and re-checks it at
// settlement time. Verify and Settle return an error only on upstream
// failure; an invalid proof is a Rejected Result, not an error.
type Verifier interface {
	Verify(ctx context.Context, proof *Proof) (*Result, error)
	Settle(ctx context.Context, proof *Proof) (*Result, error)
}

// Rails is the closed set of verifiers, one per rail family. Dispatch is
// an exhaustive switch over the Network enum so adding a rail is a
// compile-time extension, not a string-keyed lookup.
type Rails struct {
	EVM       Verifier // ethereum, polygon, base
	UTXO      Verifier // bitcoin, bitcoin-cash
	Solana    Verifier
	Lightning Verifier
	Stripe    Verifier
}

// ForProof selects the verifier for a proof's (scheme, network) pair.
// Scheme takes precedence for the scheme-tagged rails (bolt12,
// stripe-checkout); everything else routes by network.
func (r *Rails) ForProof(p *Proof) (Verifier, error) {
	if p.Scheme == SchemeBolt12 || p.Network == NetworkLightning {
		return r.rail(r.Lightning, p)
	}
	if p.Scheme == SchemeStripeCheckout || p.Network == NetworkStripe {
		return r.rail(r.Stripe, p)
	}

	switch p.Network {
	case NetworkEthereum, NetworkPolygon, NetworkBase:
		return r.rail(r.EVM, p)
	case NetworkBitcoin, NetworkBitcoinCash:
		return r.rail(r.UTXO, p)
	case NetworkSolana:
		return r.rail(r.Solana, p)
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedRail, p.Network, p.Scheme)
}

func (r *Rails) rail(v Verifier, p *Proof) (Verifier, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: %s/%s not configured", ErrUnsupportedRail, p.Network, p.Scheme)
	}
	return v, nil
}
