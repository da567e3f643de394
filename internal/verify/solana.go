package verify

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaRPC is the slice of rpc.Client the Solana verifier needs.
type SolanaRPC interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// SolanaVerifier handles the solana rail. Like UTXO, verification is
// optimistic on a well-formed transaction signature; settlement checks
// finality through the RPC node.
type SolanaVerifier struct {
	rpc SolanaRPC
}

// NewSolanaVerifier builds a verifier over a Solana RPC client.
func NewSolanaVerifier(client SolanaRPC) *SolanaVerifier {
	return &SolanaVerifier{rpc: client}
}

// Verify accepts a parseable base58 transaction signature as pending.
func (v *SolanaVerifier) Verify(ctx context.Context, proof *Proof) (*Result, error) {
	if _, err := solana.SignatureFromBase58(proof.TxSignature); err != nil {
		return &Result{Status: Rejected, Reason: "invalid transaction signature"}, nil
	}
	return &Result{Status: AcceptedPending, TxRef: proof.TxSignature}, nil
}

// Settle finalizes once the cluster reports the transaction finalized
// and without an execution error.
func (v *SolanaVerifier) Settle(ctx context.Context, proof *Proof) (*Result, error) {
	sig, err := solana.SignatureFromBase58(proof.TxSignature)
	if err != nil {
		return &Result{Status: Rejected, Reason: "invalid transaction signature"}, nil
	}
	if v.rpc == nil {
		return nil, fmt.Errorf("%w: solana rpc not configured", ErrUnsupportedRail)
	}

	out, err := v.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: solana rpc: %v", ErrUpstream, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return &Result{Status: Rejected, Reason: "transaction not found"}, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return &Result{Status: Rejected, Reason: "transaction failed on chain"}, nil
	}
	if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
		return &Result{Status: AcceptedPending, TxRef: proof.TxSignature}, nil
	}
	return &Result{Status: AcceptedFinal, TxRef: proof.TxSignature}, nil
}
