package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/profullstack/coinpayportal/internal/business"
	"github.com/profullstack/coinpayportal/internal/fees"
	"github.com/profullstack/coinpayportal/internal/token"
	"github.com/profullstack/coinpayportal/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. Reads and token-authorized
// transitions are public; possession of a capability token is the only
// authorization those need.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.GET("/addresses/:address/escrows", h.ListEscrows)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
}

// RegisterProtectedRoutes sets up routes that require a business API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/settled", h.RecordSettlement)
}

// tokenRequest carries the capability token for transition endpoints.
type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// disputeRequest carries the token plus a dispute reason.
type disputeRequest struct {
	Token  string `json:"token" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// fundRequest is posted by the chain watcher when a deposit lands.
type fundRequest struct {
	DepositedAmount string `json:"depositedAmount" binding:"required"`
	DepositTxHash   string `json:"depositTxHash" binding:"required"`
}

// settledRequest records the payout transactions for a released escrow.
type settledRequest struct {
	SettlementTxHash string `json:"settlementTxHash" binding:"required"`
	FeeTxHash        string `json:"feeTxHash"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tier := fees.TierFree
	if b := business.FromContext(c); b != nil {
		tier = b.Tier
	}

	result, err := h.service.Create(c.Request.Context(), req, tier)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "escrow_failed",
			"message": "Failed to create escrow",
		})
		return
	}

	// The only response that ever carries the tokens.
	c.JSON(http.StatusCreated, gin.H{
		"escrow":           result.Escrow,
		"releaseToken":     result.ReleaseToken.Raw(),
		"beneficiaryToken": result.BeneficiaryToken.Raw(),
	})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/addresses/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByAddress(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "depositedAmount and depositTxHash are required",
		})
		return
	}

	escrow, err := h.service.MarkFunded(c.Request.Context(), c.Param("id"), req.DepositedAmount, req.DepositTxHash)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), token.Token(req.Token))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}

	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), token.Token(req.Token))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token and reason are required",
		})
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"), token.Token(req.Token), req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RecordSettlement handles POST /v1/escrows/:id/settled
func (h *Handler) RecordSettlement(c *gin.Context) {
	var req settledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "settlementTxHash is required",
		})
		return
	}

	escrow, err := h.service.MarkSettled(c.Request.Context(), c.Param("id"), req.SettlementTxHash, req.FeeTxHash)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// renderError maps service errors onto the API error envelope.
func (h *Handler) renderError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Token not valid for this operation"})
	case errors.Is(err, ErrSettlementRecorded):
		c.JSON(http.StatusConflict, gin.H{"error": "already_settled", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		// A precondition failure, not a conflict with committed work.
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
