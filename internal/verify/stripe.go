package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeAPI is the slice of the Stripe client the card rail needs.
type StripeAPI interface {
	GetPaymentIntent(id string) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(id string) (*stripe.PaymentIntent, error)
}

// stripeClient adapts client.API to StripeAPI.
type stripeClient struct {
	api *client.API
}

func (c *stripeClient) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	return c.api.PaymentIntents.Get(id, nil)
}

func (c *stripeClient) CapturePaymentIntent(id string) (*stripe.PaymentIntent, error) {
	return c.api.PaymentIntents.Capture(id, nil)
}

// NewStripeAPI builds a StripeAPI over a secret key.
func NewStripeAPI(secretKey string) StripeAPI {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &stripeClient{api: api}
}

// StripeVerifier handles the card rail. A payment intent counts as
// verified once Stripe reports it succeeded or authorized
// (requires_capture); settlement captures an authorized intent.
type StripeVerifier struct {
	api StripeAPI
}

// NewStripeVerifier builds a verifier over a Stripe API client.
func NewStripeVerifier(api StripeAPI) *StripeVerifier {
	return &StripeVerifier{api: api}
}

// Verify fetches the payment intent and checks its status. Stripe is
// the source of truth here; a succeeded or authorized intent is final.
func (v *StripeVerifier) Verify(ctx context.Context, proof *Proof) (*Result, error) {
	if !strings.HasPrefix(proof.PaymentIntentID, "pi_") {
		return &Result{Status: Rejected, Reason: "invalid payment intent id"}, nil
	}
	if v.api == nil {
		return nil, fmt.Errorf("%w: stripe not configured", ErrUnsupportedRail)
	}

	intent, err := v.api.GetPaymentIntent(proof.PaymentIntentID)
	if err != nil {
		if stripeNotFound(err) {
			return &Result{Status: Rejected, Reason: "payment intent not found"}, nil
		}
		return nil, fmt.Errorf("%w: stripe: %v", ErrUpstream, err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return &Result{Status: AcceptedFinal, TxRef: intent.ID, Payer: customerID(intent)}, nil
	default:
		return &Result{Status: Rejected, Reason: fmt.Sprintf("payment intent status %s", intent.Status)}, nil
	}
}

// Settle captures an authorized intent; an already-succeeded intent is
// settled as-is.
func (v *StripeVerifier) Settle(ctx context.Context, proof *Proof) (*Result, error) {
	res, err := v.Verify(ctx, proof)
	if err != nil || res.Status == Rejected {
		return res, err
	}

	intent, err := v.api.GetPaymentIntent(proof.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe: %v", ErrUpstream, err)
	}
	if intent.Status == stripe.PaymentIntentStatusRequiresCapture {
		intent, err = v.api.CapturePaymentIntent(proof.PaymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("%w: stripe capture: %v", ErrUpstream, err)
		}
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return &Result{Status: Rejected, Reason: fmt.Sprintf("payment intent status %s", intent.Status)}, nil
	}

	return &Result{Status: AcceptedFinal, TxRef: intent.ID, Payer: customerID(intent)}, nil
}

func customerID(intent *stripe.PaymentIntent) string {
	if intent.Customer != nil {
		return intent.Customer.ID
	}
	return ""
}

func stripeNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == 404
	}
	return false
}
