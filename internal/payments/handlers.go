package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payout status and destination updates.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the payout routes. Payouts are only visible to the
// user they belong to; caller identity comes from the auth middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.GetPayout)
	r.PUT("/payouts/:id/invoice", h.SetInvoice)
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	pp, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load payout",
		})
		return
	}

	if caller := c.GetString("authUserID"); caller != "" && caller != pp.Target {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Payout belongs to another user",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": pp})
}

// SetInvoice handles PUT /v1/payouts/:id/invoice
// The target user supplies the destination invoice after the trade completes;
// the sweep pays it on the next run.
func (h *Handler) SetInvoice(c *gin.Context) {
	var req struct {
		PaymentRequest string `json:"paymentRequest" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentRequest is required",
		})
		return
	}

	pp, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load payout",
		})
		return
	}

	if caller := c.GetString("authUserID"); caller != "" && caller != pp.Target {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Payout belongs to another user",
		})
		return
	}

	pp, err = h.service.SetPaymentRequest(c.Request.Context(), pp.ID, req.PaymentRequest)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": pp})
}
