package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Typed-data domain shared by all EVM networks. The chain id is the
// only per-network field.
const (
	evmDomainName    = "CoinPayPortal"
	evmDomainVersion = "1"
)

var evmChainIDs = map[Network]int64{
	NetworkEthereum: 1,
	NetworkPolygon:  137,
	NetworkBase:     8453,
}

// EthClient is the slice of ethclient.Client the EVM verifier needs.
type EthClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EVMVerifier validates EIP-712 payment authorizations for the EVM
// networks. Verification recovers the signer from the typed-data
// signature and is final without touching the chain; settlement checks
// the on-chain transaction receipt when a tx hash is supplied.
type EVMVerifier struct {
	clients map[Network]EthClient
	now     func() time.Time
}

// NewEVMVerifier builds a verifier over per-network RPC clients.
// Networks without a client still verify signatures; their settlements
// skip the receipt check.
func NewEVMVerifier(clients map[Network]EthClient) *EVMVerifier {
	return &EVMVerifier{clients: clients, now: time.Now}
}

// Verify recovers the signer of the payment authorization and checks it
// against the claimed payer and the authorization expiry.
func (v *EVMVerifier) Verify(ctx context.Context, proof *Proof) (*Result, error) {
	chainID, ok := evmChainIDs[proof.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRail, proof.Network)
	}
	if proof.ExpiresAt > 0 && v.now().Unix() > proof.ExpiresAt {
		return &Result{Status: Rejected, Reason: "authorization expired"}, nil
	}
	if !common.IsHexAddress(proof.From) || !common.IsHexAddress(proof.To) {
		return &Result{Status: Rejected, Reason: "invalid address"}, nil
	}
	amount, ok := new(big.Int).SetString(proof.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return &Result{Status: Rejected, Reason: "invalid amount"}, nil
	}

	digest, err := paymentDigest(chainID, proof, amount)
	if err != nil {
		return &Result{Status: Rejected, Reason: "malformed authorization"}, nil
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(proof.Signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return &Result{Status: Rejected, Reason: "invalid signature encoding"}, nil
	}
	// Wallets produce V as 27/28; go-ethereum expects 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return &Result{Status: Rejected, Reason: "signature recovery failed"}, nil
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(proof.From) {
		return &Result{Status: Rejected, Reason: "signer does not match payer"}, nil
	}

	return &Result{
		Status: AcceptedFinal,
		Payer:  signer.Hex(),
	}, nil
}

// Settle re-verifies the authorization and, when the proof carries a tx
// hash and an RPC client is configured, confirms the on-chain transfer
// receipt succeeded.
func (v *EVMVerifier) Settle(ctx context.Context, proof *Proof) (*Result, error) {
	res, err := v.Verify(ctx, proof)
	if err != nil || res.Status == Rejected {
		return res, err
	}

	client := v.clients[proof.Network]
	if proof.TxHash == "" || client == nil {
		res.Status = AcceptedFinal
		res.TxRef = proof.TxHash
		return res, nil
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(proof.TxHash))
	if err != nil {
		return nil, fmt.Errorf("%w: %s receipt: %v", ErrUpstream, proof.Network, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Result{Status: Rejected, Reason: "transaction reverted", Payer: res.Payer}, nil
	}

	res.Status = AcceptedFinal
	res.TxRef = proof.TxHash
	return res, nil
}

// paymentDigest hashes the EIP-712 payment authorization.
func paymentDigest(chainID int64, proof *Proof, amount *big.Int) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"PaymentAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "string"},
				{Name: "expiresAt", Type: "uint256"},
				{Name: "asset", Type: "string"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:    evmDomainName,
			Version: evmDomainVersion,
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"from":      proof.From,
			"to":        proof.To,
			"amount":    amount.String(),
			"nonce":     proof.Nonce,
			"expiresAt": new(big.Int).SetInt64(proof.ExpiresAt).String(),
			"asset":     proof.Asset,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}
	return digest, nil
}
