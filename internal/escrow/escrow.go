// Package escrow implements non-custodial payment escrows.
//
// Flow:
//  1. Depositor creates an escrow → a fresh deposit address is derived,
//     two capability tokens are issued (release and beneficiary)
//  2. External chain watcher observes the deposit → escrow marked funded
//  3. Release token holder releases → funds go to the beneficiary
//  4. Release token holder refunds → funds go back to the depositor
//  5. Either token holder disputes a funded escrow → frozen until
//     released or refunded
//  6. Unfunded escrows past their deadline expire automatically
//
// Holding a token is the only authorization; there are no user accounts
// on this surface.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/profullstack/coinpayportal/internal/fees"
	"github.com/profullstack/coinpayportal/internal/metrics"
	"github.com/profullstack/coinpayportal/internal/money"
	"github.com/profullstack/coinpayportal/internal/rates"
	"github.com/profullstack/coinpayportal/internal/token"
	"github.com/profullstack/coinpayportal/internal/validation"
	"github.com/profullstack/coinpayportal/internal/wallet"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrUnauthorized   = errors.New("token not valid for this escrow operation")
	ErrInvalidState   = errors.New("invalid escrow status for this operation")

	// ErrSettlementRecorded is the duplicate-bookkeeping conflict, kept
	// apart from ErrInvalidState so it can map to 409 instead of 400.
	ErrSettlementRecorded = errors.New("settlement already recorded")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"  // Awaiting deposit
	StatusFunded   Status = "funded"   // Deposit observed on chain
	StatusReleased Status = "released" // Funds sent to beneficiary
	StatusRefunded Status = "refunded" // Funds returned to depositor
	StatusDisputed Status = "disputed" // Frozen pending resolution
	StatusExpired  Status = "expired"  // Never funded before the deadline
)

// DefaultTTL is how long an escrow waits for funding before expiry.
const DefaultTTL = 72 * time.Hour

// Escrow is one escrow record. Tokens and the derivation index never
// serialize; the create response is the only place tokens appear.
type Escrow struct {
	ID                 string            `json:"id"`
	Chain              wallet.Chain      `json:"chain"`
	EscrowAddress      string            `json:"escrowAddress"`
	AddressIndex       uint32            `json:"-"`
	DepositorAddress   string            `json:"depositorAddress"`
	BeneficiaryAddress string            `json:"beneficiaryAddress"`
	ArbiterAddress     string            `json:"arbiterAddress,omitempty"`
	Amount             string            `json:"amount"`
	AmountUSD          string            `json:"amountUsd,omitempty"`
	FeeAmount          string            `json:"feeAmount"`
	DepositedAmount    string            `json:"depositedAmount,omitempty"`
	DepositTxHash      string            `json:"depositTxHash,omitempty"`
	ReleaseToken       token.Token       `json:"-"`
	BeneficiaryToken   token.Token       `json:"-"`
	Status             Status            `json:"status"`
	DisputeReason      string            `json:"disputeReason,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SettlementTxHash   string            `json:"settlementTxHash,omitempty"`
	FeeTxHash          string            `json:"feeTxHash,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	ExpiresAt          time.Time         `json:"expiresAt"`
	FundedAt           *time.Time        `json:"fundedAt,omitempty"`
	ReleasedAt         *time.Time        `json:"releasedAt,omitempty"`
	RefundedAt         *time.Time        `json:"refundedAt,omitempty"`
	DisputedAt         *time.Time        `json:"disputedAt,omitempty"`
	SettledAt          *time.Time        `json:"settledAt,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Event is one entry in an escrow's append-only audit log.
type Event struct {
	ID        int64             `json:"id"`
	EscrowID  string            `json:"escrowId"`
	Type      string            `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Event types recorded in the audit log.
const (
	EventCreated        = "created"
	EventFunded         = "funded"
	EventReleased       = "released"
	EventRefunded       = "refunded"
	EventDisputed       = "disputed"
	EventSettleRecorded = "settle_recorded"
	EventExpired        = "expired"
)

// Store persists escrow data. UpdateIf is a conditional write: the row
// is only written when its current status matches expected, so
// concurrent transitions cannot both win.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	UpdateIf(ctx context.Context, escrow *Escrow, expected Status) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*Escrow, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	NextAddressIndex(ctx context.Context, chain wallet.Chain) (uint32, error)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Chain              string            `json:"chain" binding:"required"`
	Amount             string            `json:"amount" binding:"required"`
	DepositorAddress   string            `json:"depositorAddress" binding:"required"`
	BeneficiaryAddress string            `json:"beneficiaryAddress" binding:"required"`
	ArbiterAddress     string            `json:"arbiterAddress"`
	Metadata           map[string]string `json:"metadata"`
}

// CreateResult carries the escrow plus its capability tokens. Tokens
// are returned exactly once, here.
type CreateResult struct {
	Escrow           *Escrow     `json:"escrow"`
	ReleaseToken     token.Token `json:"releaseToken"`
	BeneficiaryToken token.Token `json:"beneficiaryToken"`
}

// Service implements the escrow state machine.
type Service struct {
	store   Store
	deriver wallet.Deriver
	prices  rates.PriceFeed
	fees    fees.Schedule
	ttl     time.Duration
	now     func() time.Time
}

// NewService creates a new escrow service. prices may be nil when no
// feed is configured; escrows then carry no USD quote.
func NewService(store Store, deriver wallet.Deriver, prices rates.PriceFeed, schedule fees.Schedule, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:   store,
		deriver: deriver,
		prices:  prices,
		fees:    schedule,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create derives a fresh deposit address, issues the two capability
// tokens and records the escrow in status created.
func (s *Service) Create(ctx context.Context, req CreateRequest, tier fees.Tier) (*CreateResult, error) {
	chain := wallet.Chain(req.Chain)
	var errs validation.ValidationErrors
	if !wallet.ValidChain(chain) {
		errs = append(errs, validation.ValidationError{Field: "chain", Message: "unsupported chain"})
	}
	errs = append(errs, validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("depositorAddress", req.DepositorAddress),
		validation.ValidChainAddress("depositorAddress", req.DepositorAddress),
		validation.Required("beneficiaryAddress", req.BeneficiaryAddress),
		validation.ValidChainAddress("beneficiaryAddress", req.BeneficiaryAddress),
	)...)
	if strings.EqualFold(req.DepositorAddress, req.BeneficiaryAddress) {
		errs = append(errs, validation.ValidationError{Field: "beneficiaryAddress", Message: "depositor and beneficiary cannot be the same address"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	amount, ok := money.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, validation.ValidationErrors{{Field: "amount", Message: "must be a positive decimal"}}
	}

	index, err := s.store.NextAddressIndex(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate address index: %w", err)
	}
	derived, err := s.deriver.Derive(ctx, chain, index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive escrow address: %w", err)
	}

	var amountUSD string
	if s.prices != nil {
		if usd, err := s.prices.PriceUSD(ctx, chain, amount); err == nil {
			amountUSD = money.Format(usd)
		}
		// No quote is not an error; the escrow simply has no USD figure.
	}

	split := s.fees.SplitTieredPayment(amount, tier)

	now := s.now()
	escrow := &Escrow{
		ID:                 "esc_" + uuid.NewString(),
		Chain:              chain,
		EscrowAddress:      derived.Address,
		AddressIndex:       index,
		DepositorAddress:   req.DepositorAddress,
		BeneficiaryAddress: req.BeneficiaryAddress,
		ArbiterAddress:     req.ArbiterAddress,
		Amount:             money.Format(amount),
		AmountUSD:          amountUSD,
		FeeAmount:          money.Format(split.PlatformFee),
		ReleaseToken:       token.New(),
		BeneficiaryToken:   token.New(),
		Status:             StatusCreated,
		Metadata:           req.Metadata,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.ttl),
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	s.appendEvent(ctx, escrow.ID, EventCreated, "depositor", map[string]string{
		"chain":  string(chain),
		"amount": escrow.Amount,
	})
	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()

	return &CreateResult{
		Escrow:           escrow,
		ReleaseToken:     escrow.ReleaseToken,
		BeneficiaryToken: escrow.BeneficiaryToken,
	}, nil
}

// MarkFunded records an observed deposit. Only a created escrow can be
// funded; the conditional write loses to a concurrent expiry.
func (s *Service) MarkFunded(ctx context.Context, id, depositedAmount, depositTxHash string) (*Escrow, error) {
	if errs := validation.Validate(
		validation.ValidAmount("depositedAmount", depositedAmount),
		validation.Required("depositTxHash", depositTxHash),
	); len(errs) > 0 {
		return nil, errs
	}

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusCreated {
		return nil, fmt.Errorf("%w: cannot fund escrow in status %s", ErrInvalidState, escrow.Status)
	}

	now := s.now()
	deposited, _ := money.Parse(depositedAmount)
	escrow.Status = StatusFunded
	escrow.DepositedAmount = money.Format(deposited)
	escrow.DepositTxHash = depositTxHash
	escrow.FundedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, escrow, StatusCreated); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, id, EventFunded, "watcher", map[string]string{
		"depositedAmount": escrow.DepositedAmount,
		"depositTxHash":   depositTxHash,
	})
	metrics.EscrowsTotal.WithLabelValues(string(StatusFunded)).Inc()
	return escrow, nil
}

// Release sends funds to the beneficiary. Requires the release token;
// valid from funded or disputed. The release token stays authoritative
// after a dispute.
func (s *Service) Release(ctx context.Context, id string, tok token.Token) (*Escrow, error) {
	return s.resolve(ctx, id, tok, StatusReleased, EventReleased)
}

// Refund returns funds to the depositor. Requires the release token;
// valid from funded or disputed.
func (s *Service) Refund(ctx context.Context, id string, tok token.Token) (*Escrow, error) {
	return s.resolve(ctx, id, tok, StatusRefunded, EventRefunded)
}

func (s *Service) resolve(ctx context.Context, id string, tok token.Token, to Status, eventType string) (*Escrow, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !escrow.ReleaseToken.Equal(tok) {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusFunded && escrow.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot resolve escrow in status %s", ErrInvalidState, escrow.Status)
	}

	from := escrow.Status
	now := s.now()
	escrow.Status = to
	escrow.UpdatedAt = now
	if to == StatusReleased {
		escrow.ReleasedAt = &now
	} else {
		escrow.RefundedAt = &now
	}

	if err := s.store.UpdateIf(ctx, escrow, from); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, id, eventType, "depositor", nil)
	metrics.EscrowsTotal.WithLabelValues(string(to)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(escrow.CreatedAt).Seconds())
	return escrow, nil
}

// Dispute freezes a funded escrow. Either token authorizes it.
func (s *Service) Dispute(ctx context.Context, id string, tok token.Token, reason string) (*Escrow, error) {
	if errs := validation.Validate(validation.ValidDisputeReason("reason", reason)); len(errs) > 0 {
		return nil, errs
	}

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	actor := "depositor"
	if !escrow.ReleaseToken.Equal(tok) {
		if !escrow.BeneficiaryToken.Equal(tok) {
			return nil, ErrUnauthorized
		}
		actor = "beneficiary"
	}
	if escrow.Status != StatusFunded {
		return nil, fmt.Errorf("%w: cannot dispute escrow in status %s", ErrInvalidState, escrow.Status)
	}

	now := s.now()
	escrow.Status = StatusDisputed
	escrow.DisputeReason = validation.SanitizeString(reason, 1000)
	escrow.DisputedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, escrow, StatusFunded); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, id, EventDisputed, actor, map[string]string{"reason": escrow.DisputeReason})
	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return escrow, nil
}

// MarkSettled records the on-chain payout transactions for a released
// escrow. Bookkeeping only; the status stays released.
func (s *Service) MarkSettled(ctx context.Context, id, settlementTxHash, feeTxHash string) (*Escrow, error) {
	if errs := validation.Validate(validation.Required("settlementTxHash", settlementTxHash)); len(errs) > 0 {
		return nil, errs
	}

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusReleased {
		return nil, fmt.Errorf("%w: cannot record settlement for escrow in status %s", ErrInvalidState, escrow.Status)
	}
	if escrow.SettledAt != nil {
		return nil, ErrSettlementRecorded
	}

	now := s.now()
	escrow.SettlementTxHash = settlementTxHash
	escrow.FeeTxHash = feeTxHash
	escrow.SettledAt = &now
	escrow.UpdatedAt = now

	if err := s.store.UpdateIf(ctx, escrow, StatusReleased); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, id, EventSettleRecorded, "operator", map[string]string{
		"settlementTxHash": settlementTxHash,
	})
	return escrow, nil
}

// ExpireStale flips every created escrow past its deadline to expired
// and returns how many were flipped.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	count, err := s.store.ExpireStale(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.EscrowsExpiredTotal.Add(float64(count))
	}
	return count, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByAddress returns escrows where the address is depositor or
// beneficiary.
func (s *Service) ListByAddress(ctx context.Context, address string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAddress(ctx, address, limit)
}

// Events returns the audit log for an escrow, oldest first.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, limit)
}

// appendEvent is best-effort: the audit log never blocks a transition
// that already committed.
func (s *Service) appendEvent(ctx context.Context, escrowID, eventType, actor string, details map[string]string) {
	_ = s.store.AppendEvent(ctx, &Event{
		EscrowID:  escrowID,
		Type:      eventType,
		Actor:     actor,
		Details:   details,
		CreatedAt: s.now(),
	})
}
