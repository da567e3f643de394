package verify

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// LightningVerifier checks BOLT-12 payment proofs. The cryptographic
// check is local: a preimage whose sha256 equals the invoice payment
// hash proves the invoice was paid. When an LNbits client is configured
// the invoice status is cross-checked against the node as well.
type LightningVerifier struct {
	lnbits *LNbitsClient // optional
}

// NewLightningVerifier returns a verifier that accepts any valid
// preimage. lnbits may be nil.
func NewLightningVerifier(lnbits *LNbitsClient) *LightningVerifier {
	return &LightningVerifier{lnbits: lnbits}
}

// Verify checks sha256(preimage) == paymentHash. A valid preimage is
// final immediately; Lightning has no confirmation delay.
func (v *LightningVerifier) Verify(ctx context.Context, proof *Proof) (*Result, error) {
	preimage, err := hex.DecodeString(strings.TrimPrefix(proof.Preimage, "0x"))
	if err != nil || len(preimage) == 0 {
		return &Result{Status: Rejected, Reason: "invalid preimage encoding"}, nil
	}
	wantHash, err := hex.DecodeString(strings.TrimPrefix(proof.PaymentHash, "0x"))
	if err != nil || len(wantHash) != sha256.Size {
		return &Result{Status: Rejected, Reason: "invalid payment hash"}, nil
	}

	gotHash := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(gotHash[:], wantHash) != 1 {
		return &Result{Status: Rejected, Reason: "preimage does not match payment hash"}, nil
	}

	if v.lnbits != nil {
		paid, err := v.lnbits.InvoicePaid(ctx, hex.EncodeToString(wantHash))
		if err != nil {
			return nil, fmt.Errorf("%w: lnbits: %v", ErrUpstream, err)
		}
		if !paid {
			return &Result{Status: Rejected, Reason: "invoice not paid"}, nil
		}
	}

	return &Result{
		Status: AcceptedFinal,
		TxRef:  hex.EncodeToString(wantHash),
	}, nil
}

// Settle re-runs verification. Lightning settlement is instant; the
// settlement reference is the payment hash itself.
func (v *LightningVerifier) Settle(ctx context.Context, proof *Proof) (*Result, error) {
	return v.Verify(ctx, proof)
}

// LNbitsClient queries invoice status from an LNbits instance.
type LNbitsClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewLNbitsClient builds a client for the LNbits payments API.
func NewLNbitsClient(baseURL, apiKey string) *LNbitsClient {
	return &LNbitsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// InvoicePaid reports whether the invoice with the given payment hash
// has been paid on the node.
func (c *LNbitsClient) InvoicePaid(ctx context.Context, paymentHash string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/payments/%s", c.baseURL, paymentHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("lnbits returned %d", resp.StatusCode)
	}

	var body struct {
		Paid    bool `json:"paid"`
		Details struct {
			Status string `json:"status"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Paid || body.Details.Status == "paid" || body.Details.Status == "success", nil
}
