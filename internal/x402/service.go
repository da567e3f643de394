package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/profullstack/coinpayportal/internal/business"
	"github.com/profullstack/coinpayportal/internal/fees"
	"github.com/profullstack/coinpayportal/internal/metrics"
	"github.com/profullstack/coinpayportal/internal/money"
	"github.com/profullstack/coinpayportal/internal/verify"
)

// VerifyResponse is the normalized verification outcome returned to the
// caller.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Result        string `json:"result,omitempty"` // accepted_pending | accepted_final
}

// Commission is the fee breakdown computed at settlement time.
type Commission struct {
	Rate           float64   `json:"rate"`
	Tier           fees.Tier `json:"tier"`
	MerchantAmount string    `json:"merchantAmount"`
	PlatformFee    string    `json:"platformFee"`
}

// SettleResponse reports the settlement outcome.
type SettleResponse struct {
	Settled    bool           `json:"settled"`
	Status     Status         `json:"status"`
	TxHash     string         `json:"txHash,omitempty"`
	Network    verify.Network `json:"network"`
	Commission *Commission    `json:"commission,omitempty"`
}

// AlreadySettledError carries the original settlement reference for a
// duplicate settle attempt.
type AlreadySettledError struct {
	TxHash string
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("payment already settled (tx %s)", e.TxHash)
}

func (e *AlreadySettledError) Is(target error) bool { return target == ErrAlreadySettled }

// Kind is one supported (network, scheme) pair.
type Kind struct {
	Network verify.Network `json:"network"`
	Scheme  verify.Scheme  `json:"scheme"`
}

// SupportedKinds lists every rail the facilitator implements.
var SupportedKinds = []Kind{
	{verify.NetworkEthereum, verify.SchemeExact},
	{verify.NetworkPolygon, verify.SchemeExact},
	{verify.NetworkBase, verify.SchemeExact},
	{verify.NetworkBitcoin, verify.SchemeExact},
	{verify.NetworkBitcoinCash, verify.SchemeExact},
	{verify.NetworkSolana, verify.SchemeExact},
	{verify.NetworkLightning, verify.SchemeBolt12},
	{verify.NetworkStripe, verify.SchemeStripeCheckout},
}

// Service implements the facilitator.
type Service struct {
	store  Store
	rails  *verify.Rails
	fees   fees.Schedule
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new facilitator service.
func NewService(store Store, rails *verify.Rails, schedule fees.Schedule, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		rails:  rails,
		fees:   schedule,
		logger: logger,
		now:    time.Now,
	}
}

// Verify validates the proof for its rail and records it under the
// rail's unique key. A proof is recorded at most once per network; a
// second verify with the same key fails with ErrReplayDetected.
func (s *Service) Verify(ctx context.Context, businessID string, proof *verify.Proof) (*VerifyResponse, error) {
	uniqueKey := proof.UniqueKey()
	if uniqueKey == "" {
		return nil, ErrInvalidProof
	}
	verifier, err := s.rails.ForProof(proof)
	if err != nil {
		return nil, err
	}

	result, err := verifier.Verify(ctx, proof)
	if err != nil {
		return nil, err
	}
	if result.Status == verify.Rejected {
		metrics.PaymentsVerifiedTotal.WithLabelValues(string(proof.Network), "rejected").Inc()
		return &VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
	}

	rawProof, err := json.Marshal(proof)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize proof: %w", err)
	}
	payment := &Payment{
		ID:          "pay_" + uuid.NewString(),
		Network:     proof.Network,
		Scheme:      proof.Scheme,
		Asset:       proof.Asset,
		FromAddress: proof.From,
		ToAddress:   proof.To,
		Amount:      proof.Amount,
		BusinessID:  businessID,
		UniqueKey:   uniqueKey,
		Status:      StatusVerified,
		RawProof:    rawProof,
		CreatedAt:   s.now(),
	}
	if err := s.store.Insert(ctx, payment); err != nil {
		if err == ErrReplayDetected {
			metrics.ReplaysDetectedTotal.WithLabelValues(string(proof.Network)).Inc()
			s.logger.Warn("replay detected",
				"network", proof.Network, "business", businessID)
		}
		return nil, err
	}

	metrics.PaymentsVerifiedTotal.WithLabelValues(string(proof.Network), "accepted").Inc()
	s.logger.Info("payment verified",
		"network", proof.Network, "scheme", proof.Scheme,
		"business", businessID, "result", result.Status.String())

	return &VerifyResponse{
		IsValid: true,
		Payer:   result.Payer,
		Result:  result.Status.String(),
	}, nil
}

// Settle performs the rail's settlement action for a previously
// verified proof. The commission is computed fresh from the business's
// current tier, never from the tier at verification time.
func (s *Service) Settle(ctx context.Context, b *business.Business, proof *verify.Proof) (*SettleResponse, error) {
	uniqueKey := proof.UniqueKey()
	if uniqueKey == "" {
		return nil, ErrInvalidProof
	}
	verifier, err := s.rails.ForProof(proof)
	if err != nil {
		return nil, err
	}

	payment, err := s.store.Get(ctx, proof.Network, b.ID, uniqueKey)
	if err != nil {
		if err == ErrPaymentNotFound {
			return nil, ErrVerifyFirst
		}
		return nil, err
	}
	switch payment.Status {
	case StatusSettled:
		return nil, &AlreadySettledError{TxHash: payment.TxHash}
	case StatusVerified, StatusPendingConfirmation:
		// settleable
	default:
		return nil, fmt.Errorf("payment in status %s cannot be settled: %w", payment.Status, ErrVerifyFirst)
	}
	loadedStatus := payment.Status

	commission := s.commission(payment.Amount, b.Tier)

	result, err := verifier.Settle(ctx, proof)
	if err != nil {
		s.markFailed(ctx, payment, loadedStatus, err.Error())
		return nil, &SettlementError{Network: proof.Network, Detail: "settlement action failed", Err: err}
	}
	if result.Status == verify.Rejected {
		s.markFailed(ctx, payment, loadedStatus, result.Reason)
		return nil, &SettlementError{Network: proof.Network, Detail: result.Reason}
	}

	now := s.now()
	payment.TxHash = result.TxRef
	payment.ErrorDetail = ""
	if result.Status == verify.AcceptedFinal {
		payment.Status = StatusSettled
		payment.SettledAt = &now
	} else {
		payment.Status = StatusPendingConfirmation
	}

	if err := s.store.UpdateIf(ctx, payment, loadedStatus); err != nil {
		if err == ErrUpdateConflict {
			// A concurrent settle won; report its outcome.
			winner, getErr := s.store.Get(ctx, proof.Network, b.ID, uniqueKey)
			if getErr == nil && winner.Status == StatusSettled {
				return nil, &AlreadySettledError{TxHash: winner.TxHash}
			}
		}
		return nil, err
	}

	metrics.PaymentsSettledTotal.WithLabelValues(string(proof.Network), string(payment.Status)).Inc()
	s.logger.Info("payment settlement recorded",
		"network", proof.Network, "business", b.ID,
		"status", payment.Status, "txHash", payment.TxHash)

	return &SettleResponse{
		Settled:    payment.Status == StatusSettled,
		Status:     payment.Status,
		TxHash:     payment.TxHash,
		Network:    proof.Network,
		Commission: commission,
	}, nil
}

// commission splits the payment amount by the business's current tier.
// Unparseable amounts (some rails carry none) yield a zero split at the
// correct rate.
func (s *Service) commission(amount string, tier fees.Tier) *Commission {
	minor, ok := money.Parse(amount)
	if !ok {
		minor = big.NewInt(0)
	}
	split := s.fees.SplitTieredPayment(minor, tier)
	return &Commission{
		Rate:           split.FeePercentage,
		Tier:           split.Tier,
		MerchantAmount: split.Merchant,
		PlatformFee:    split.Platform,
	}
}

// markFailed is best-effort bookkeeping; the caller's error already
// carries the failure detail.
func (s *Service) markFailed(ctx context.Context, payment *Payment, expected Status, detail string) {
	payment.Status = StatusSettlementFailed
	payment.ErrorDetail = detail
	if err := s.store.UpdateIf(ctx, payment, expected); err != nil {
		s.logger.Warn("failed to record settlement failure",
			"payment", payment.ID, "error", err)
	}
	metrics.PaymentsSettledTotal.WithLabelValues(string(payment.Network), string(StatusSettlementFailed)).Inc()
}
