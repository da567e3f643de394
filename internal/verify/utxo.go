package verify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// UTXOVerifier handles the bitcoin and bitcoin-cash rails. Verification
// is optimistic: a well-formed transaction id is accepted as pending
// because block confirmation takes minutes. Settlement queries an
// esplora-compatible explorer and only finalizes once the transaction
// is in a block.
type UTXOVerifier struct {
	explorers map[Network]*EsploraClient
}

// NewUTXOVerifier builds a verifier over per-network explorer clients.
func NewUTXOVerifier(explorers map[Network]*EsploraClient) *UTXOVerifier {
	return &UTXOVerifier{explorers: explorers}
}

// Verify accepts a syntactically valid transaction id as pending.
func (v *UTXOVerifier) Verify(ctx context.Context, proof *Proof) (*Result, error) {
	if _, ok := v.explorers[proof.Network]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRail, proof.Network)
	}
	if !validTxID(proof.TxID) {
		return &Result{Status: Rejected, Reason: "invalid transaction id"}, nil
	}
	return &Result{Status: AcceptedPending, TxRef: proof.TxID}, nil
}

// Settle looks the transaction up on the explorer. Unknown transactions
// are rejected; known but unconfirmed ones stay pending.
func (v *UTXOVerifier) Settle(ctx context.Context, proof *Proof) (*Result, error) {
	explorer, ok := v.explorers[proof.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRail, proof.Network)
	}
	if !validTxID(proof.TxID) {
		return &Result{Status: Rejected, Reason: "invalid transaction id"}, nil
	}

	tx, err := explorer.Transaction(ctx, proof.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s explorer: %v", ErrUpstream, proof.Network, err)
	}
	if tx == nil {
		return &Result{Status: Rejected, Reason: "transaction not found"}, nil
	}
	if !tx.Status.Confirmed {
		return &Result{Status: AcceptedPending, TxRef: proof.TxID}, nil
	}
	return &Result{Status: AcceptedFinal, TxRef: proof.TxID}, nil
}

func validTxID(txID string) bool {
	if len(txID) != 64 {
		return false
	}
	_, err := hex.DecodeString(txID)
	return err == nil
}

// EsploraTx is the subset of the esplora transaction response we read.
type EsploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// EsploraClient queries an esplora-compatible block explorer
// (blockstream.info and its forks).
type EsploraClient struct {
	baseURL string
	httpc   *http.Client
}

// NewEsploraClient builds a client for the explorer's REST API.
func NewEsploraClient(baseURL string) *EsploraClient {
	return &EsploraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Transaction fetches a transaction by id. A nil result with nil error
// means the explorer does not know the transaction.
func (c *EsploraClient) Transaction(ctx context.Context, txID string) (*EsploraTx, error) {
	url := fmt.Sprintf("%s/tx/%s", c.baseURL, txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer returned %d", resp.StatusCode)
	}

	var tx EsploraTx
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
