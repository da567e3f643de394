package x402

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/profullstack/coinpayportal/internal/business"
	"github.com/profullstack/coinpayportal/internal/verify"
)

// Handler provides the facilitator HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new facilitator handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public facilitator routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/x402/supported", h.Supported)
}

// RegisterProtectedRoutes sets up routes that require a business API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/x402/verify", h.Verify)
	r.POST("/x402/settle", h.Settle)
}

// Supported handles GET /v1/x402/supported
func (h *Handler) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kinds": SupportedKinds})
}

// proofEnvelope is the documented request shape: the proof nested under
// payment.payload. Flat proofs are accepted too for older integrations.
type proofEnvelope struct {
	Payment *struct {
		Payload verify.Proof `json:"payload"`
	} `json:"payment"`
}

// bindProof extracts the payment proof from either body shape. A second
// return of false means the body was unusable and a 400 was written.
func bindProof(c *gin.Context) (*verify.Proof, bool) {
	var env proofEnvelope
	if err := c.ShouldBindBodyWith(&env, binding.JSON); err == nil && env.Payment != nil {
		return &env.Payment.Payload, true
	}

	var proof verify.Proof
	if err := c.ShouldBindBodyWith(&proof, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid payment proof body"})
		return nil, false
	}
	return &proof, true
}

// Verify handles POST /v1/x402/verify
func (h *Handler) Verify(c *gin.Context) {
	b := business.FromContext(c)
	if b == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Valid x-api-key header required."})
		return
	}

	proof, ok := bindProof(c)
	if !ok {
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), b.ID, proof)
	if err != nil {
		h.renderError(c, proof, err)
		return
	}
	if !resp.IsValid {
		// A rejected proof is a client error; the reason string is stable.
		c.JSON(http.StatusBadRequest, gin.H{
			"error":         "verification_failed",
			"message":       resp.InvalidReason,
			"isValid":       false,
			"invalidReason": resp.InvalidReason,
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Settle handles POST /v1/x402/settle
func (h *Handler) Settle(c *gin.Context) {
	b := business.FromContext(c)
	if b == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Valid x-api-key header required."})
		return
	}

	proof, ok := bindProof(c)
	if !ok {
		return
	}

	resp, err := h.service.Settle(c.Request.Context(), b, proof)
	if err != nil {
		h.renderError(c, proof, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// knownNetwork reports whether the facilitator knows the network at
// all, deciding between 400 (unknown) and 501 (known, unimplemented
// scheme combination).
func knownNetwork(n verify.Network) bool {
	for _, kind := range SupportedKinds {
		if kind.Network == n {
			return true
		}
	}
	return false
}

// renderError maps facilitator errors onto the API error envelope.
func (h *Handler) renderError(c *gin.Context, proof *verify.Proof, err error) {
	var alreadySettled *AlreadySettledError
	var settlementErr *SettlementError

	switch {
	case errors.Is(err, ErrInvalidProof):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proof", "message": err.Error()})
	case errors.Is(err, verify.ErrUnsupportedRail):
		if knownNetwork(proof.Network) {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "unsupported_rail", "message": err.Error()})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_network", "message": err.Error()})
		}
	case errors.Is(err, ErrReplayDetected):
		c.JSON(http.StatusBadRequest, gin.H{"error": "replay_detected", "message": "Payment proof already used"})
	case errors.Is(err, ErrVerifyFirst):
		c.JSON(http.StatusBadRequest, gin.H{"error": "verify_first", "message": err.Error()})
	case errors.As(err, &alreadySettled):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_settled",
			"message": "Payment already settled",
			"txHash":  alreadySettled.TxHash,
		})
	case errors.As(err, &settlementErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "settlement_failed",
			"message": "Settlement failed",
			"details": settlementErr.Detail,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
