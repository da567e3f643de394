package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profullstack/coinpayportal/internal/business"
	"github.com/profullstack/coinpayportal/internal/fees"
	"github.com/profullstack/coinpayportal/internal/verify"
)

// fakeVerifier returns scripted results so settlement paths can be
// exercised without chain RPC.
type fakeVerifier struct {
	verifyResult *verify.Result
	settleResult *verify.Result
	settleErr    error
}

func (f *fakeVerifier) Verify(_ context.Context, _ *verify.Proof) (*verify.Result, error) {
	return f.verifyResult, nil
}

func (f *fakeVerifier) Settle(_ context.Context, _ *verify.Proof) (*verify.Result, error) {
	return f.settleResult, f.settleErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBusiness(tier fees.Tier) *business.Business {
	return &business.Business{ID: "biz_test", Name: "Test Shop", Tier: tier, Active: true}
}

func serviceWith(rails *verify.Rails) *Service {
	return NewService(NewMemoryStore(), rails, fees.Default, discardLogger())
}

func lightningService() *Service {
	return serviceWith(&verify.Rails{Lightning: verify.NewLightningVerifier(nil)})
}

func lightningProof(preimage string) *verify.Proof {
	hash := sha256.Sum256([]byte(preimage))
	return &verify.Proof{
		Network:     verify.NetworkLightning,
		Scheme:      verify.SchemeBolt12,
		Amount:      "0.25",
		Preimage:    hex.EncodeToString([]byte(preimage)),
		PaymentHash: hex.EncodeToString(hash[:]),
	}
}

const utxoTxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

func utxoProof() *verify.Proof {
	return &verify.Proof{
		Network: verify.NetworkBitcoin,
		Scheme:  verify.SchemeExact,
		Amount:  "1",
		TxID:    utxoTxID,
	}
}

func TestVerifyAndSettleLightning(t *testing.T) {
	s := lightningService()
	b := testBusiness(fees.TierPaid)
	proof := lightningProof("invoice secret one")

	vr, err := s.Verify(context.Background(), b.ID, proof)
	require.NoError(t, err)
	assert.True(t, vr.IsValid)
	assert.Equal(t, "accepted_final", vr.Result)

	sr, err := s.Settle(context.Background(), b, proof)
	require.NoError(t, err)
	assert.True(t, sr.Settled)
	assert.Equal(t, StatusSettled, sr.Status)
	assert.Equal(t, proof.PaymentHash, sr.TxHash) // lightning settles on the payment hash

	require.NotNil(t, sr.Commission)
	assert.Equal(t, 0.005, sr.Commission.Rate)
	assert.Equal(t, fees.TierPaid, sr.Commission.Tier)
	assert.Equal(t, "0.24875000", sr.Commission.MerchantAmount)
	assert.Equal(t, "0.00125000", sr.Commission.PlatformFee)
}

func TestVerifyReplayRejected(t *testing.T) {
	s := lightningService()
	proof := lightningProof("replayed secret")

	_, err := s.Verify(context.Background(), "biz_test", proof)
	require.NoError(t, err)

	_, err = s.Verify(context.Background(), "biz_test", proof)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestVerifyRejectedProofNotPersisted(t *testing.T) {
	s := lightningService()
	b := testBusiness(fees.TierFree)
	proof := lightningProof("the real secret")
	proof.Preimage = hex.EncodeToString([]byte("wrong secret"))

	vr, err := s.Verify(context.Background(), b.ID, proof)
	require.NoError(t, err)
	assert.False(t, vr.IsValid)
	assert.NotEmpty(t, vr.InvalidReason)

	// A rejected proof leaves no record, so settling it is verify-first.
	_, err = s.Settle(context.Background(), b, proof)
	assert.ErrorIs(t, err, ErrVerifyFirst)
}

func TestSettleBeforeVerify(t *testing.T) {
	s := lightningService()

	_, err := s.Settle(context.Background(), testBusiness(fees.TierFree), lightningProof("never verified"))
	assert.ErrorIs(t, err, ErrVerifyFirst)
}

func TestSettleTwiceReturnsOriginalTxHash(t *testing.T) {
	s := lightningService()
	b := testBusiness(fees.TierFree)
	proof := lightningProof("settle me twice")

	_, err := s.Verify(context.Background(), b.ID, proof)
	require.NoError(t, err)
	first, err := s.Settle(context.Background(), b, proof)
	require.NoError(t, err)

	_, err = s.Settle(context.Background(), b, proof)
	require.ErrorIs(t, err, ErrAlreadySettled)
	var dup *AlreadySettledError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.TxHash, dup.TxHash)
}

func TestVerifyUnsupportedNetwork(t *testing.T) {
	s := lightningService()

	_, err := s.Verify(context.Background(), "biz_test", &verify.Proof{
		Network: "dogecoin",
		Scheme:  verify.SchemeExact,
		TxID:    utxoTxID,
	})
	assert.ErrorIs(t, err, verify.ErrUnsupportedRail)
}

func TestVerifyProofWithoutUniqueKey(t *testing.T) {
	s := lightningService()

	_, err := s.Verify(context.Background(), "biz_test", &verify.Proof{
		Network: verify.NetworkLightning,
		Scheme:  verify.SchemeBolt12,
	})
	assert.ErrorIs(t, err, ErrInvalidProof)
}

func TestSettlePendingThenFinal(t *testing.T) {
	rail := &fakeVerifier{
		verifyResult: &verify.Result{Status: verify.AcceptedPending, TxRef: utxoTxID},
		settleResult: &verify.Result{Status: verify.AcceptedPending, TxRef: utxoTxID},
	}
	s := serviceWith(&verify.Rails{UTXO: rail})
	b := testBusiness(fees.TierFree)

	_, err := s.Verify(context.Background(), b.ID, utxoProof())
	require.NoError(t, err)

	// First settle: chain not final yet.
	sr, err := s.Settle(context.Background(), b, utxoProof())
	require.NoError(t, err)
	assert.False(t, sr.Settled)
	assert.Equal(t, StatusPendingConfirmation, sr.Status)

	// Block confirmed; second settle finalizes.
	rail.settleResult = &verify.Result{Status: verify.AcceptedFinal, TxRef: utxoTxID}
	sr, err = s.Settle(context.Background(), b, utxoProof())
	require.NoError(t, err)
	assert.True(t, sr.Settled)
	assert.Equal(t, StatusSettled, sr.Status)
	assert.Equal(t, utxoTxID, sr.TxHash)
}

func TestSettleFailureMarksPayment(t *testing.T) {
	rail := &fakeVerifier{
		verifyResult: &verify.Result{Status: verify.AcceptedPending, TxRef: utxoTxID},
		settleResult: &verify.Result{Status: verify.Rejected, Reason: "transaction not found"},
	}
	s := serviceWith(&verify.Rails{UTXO: rail})
	b := testBusiness(fees.TierFree)

	_, err := s.Verify(context.Background(), b.ID, utxoProof())
	require.NoError(t, err)

	_, err = s.Settle(context.Background(), b, utxoProof())
	var settlementErr *SettlementError
	require.ErrorAs(t, err, &settlementErr)
	assert.Equal(t, "transaction not found", settlementErr.Detail)

	// A failed payment cannot be settled again without intervention.
	_, err = s.Settle(context.Background(), b, utxoProof())
	assert.ErrorIs(t, err, ErrVerifyFirst)
}

func TestSettleUpstreamFailure(t *testing.T) {
	rail := &fakeVerifier{
		verifyResult: &verify.Result{Status: verify.AcceptedPending, TxRef: utxoTxID},
		settleErr:    errors.New("explorer timeout"),
	}
	s := serviceWith(&verify.Rails{UTXO: rail})
	b := testBusiness(fees.TierFree)

	_, err := s.Verify(context.Background(), b.ID, utxoProof())
	require.NoError(t, err)

	_, err = s.Settle(context.Background(), b, utxoProof())
	var settlementErr *SettlementError
	require.ErrorAs(t, err, &settlementErr)
	assert.ErrorContains(t, settlementErr, "explorer timeout")
}

func TestCommissionUsesTierAtSettleTime(t *testing.T) {
	s := lightningService()
	b := testBusiness(fees.TierFree)
	proof := lightningProof("tier upgrade secret")

	_, err := s.Verify(context.Background(), b.ID, proof)
	require.NoError(t, err)

	// Merchant upgrades between verify and settle; the cheaper rate wins.
	b.Tier = fees.TierPaid
	sr, err := s.Settle(context.Background(), b, proof)
	require.NoError(t, err)
	assert.Equal(t, 0.005, sr.Commission.Rate)
}

func TestBusinessesCannotSettleEachOthersPayments(t *testing.T) {
	s := lightningService()
	proof := lightningProof("belongs to biz one")

	_, err := s.Verify(context.Background(), "biz_one", proof)
	require.NoError(t, err)

	other := &business.Business{ID: "biz_two", Tier: fees.TierFree, Active: true}
	_, err = s.Settle(context.Background(), other, proof)
	assert.ErrorIs(t, err, ErrVerifyFirst)
}
