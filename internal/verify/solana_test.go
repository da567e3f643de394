package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSolanaRPC struct {
	status *rpc.SignatureStatusesResult
	err    error
}

func (f *fakeSolanaRPC) GetSignatureStatuses(_ context.Context, _ bool, _ ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{f.status},
	}, nil
}

func testSolanaSig() string {
	var raw [64]byte
	raw[0] = 0x42
	return solana.SignatureFromBytes(raw[:]).String()
}

func TestSolanaVerifyOptimistic(t *testing.T) {
	v := NewSolanaVerifier(&fakeSolanaRPC{})

	res, err := v.Verify(context.Background(), &Proof{Network: NetworkSolana, TxSignature: testSolanaSig()})
	require.NoError(t, err)
	assert.Equal(t, AcceptedPending, res.Status)
}

func TestSolanaVerifyBadSignature(t *testing.T) {
	v := NewSolanaVerifier(&fakeSolanaRPC{})

	res, err := v.Verify(context.Background(), &Proof{Network: NetworkSolana, TxSignature: "not-base58!!"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Status)
}

func TestSolanaSettle(t *testing.T) {
	sig := testSolanaSig()

	tests := []struct {
		name   string
		status *rpc.SignatureStatusesResult
		want   Status
	}{
		{"finalized", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, AcceptedFinal},
		{"confirmed stays pending", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, AcceptedPending},
		{"not found", nil, Rejected},
		{"failed on chain", &rpc.SignatureStatusesResult{
			ConfirmationStatus: rpc.ConfirmationStatusFinalized,
			Err:                map[string]any{"InstructionError": []any{}},
		}, Rejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewSolanaVerifier(&fakeSolanaRPC{status: tt.status})
			res, err := v.Settle(context.Background(), &Proof{Network: NetworkSolana, TxSignature: sig})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestSolanaSettleRPCFailure(t *testing.T) {
	v := NewSolanaVerifier(&fakeSolanaRPC{err: errors.New("rpc down")})

	_, err := v.Settle(context.Background(), &Proof{Network: NetworkSolana, TxSignature: testSolanaSig()})
	assert.ErrorIs(t, err, ErrUpstream)
}
