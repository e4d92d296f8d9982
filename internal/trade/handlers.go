package trade

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/peertrade/internal/order"
	"github.com/mbd888/peertrade/internal/user"
)

// Handler provides HTTP endpoints for the trade lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the trade routes. Caller identity is taken from the
// auth middleware; these are party-scoped operations.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/take", h.TakeOrder)
	r.POST("/orders/:id/fiatsent", h.FiatSent)
	r.POST("/orders/:id/release", h.ReleaseOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/orders/:id/cooperativecancel", h.CooperativeCancel)
	r.POST("/orders/:id/dispute", h.DisputeOrder)
}

// RegisterAdminRoutes sets up force-cancel/force-settle. The group must carry
// the admin-permission middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/cancel", h.AdminCancelOrder)
	r.POST("/orders/:id/settle", h.AdminSettleOrder)
}

// respondError maps service errors onto the HTTP surface.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, user.ErrUserNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrUserBanned):
		status = http.StatusForbidden
		code = "banned"
	case errors.Is(err, ErrAlreadyRequested):
		status = http.StatusConflict
		code = "already_requested"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrAlreadyTaken), errors.Is(err, ErrSelfTrade),
		errors.Is(err, ErrNoEscrow):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrEscrowUnavailable), errors.Is(err, ErrSettleFailed),
		errors.Is(err, ErrCancelFailed):
		status = http.StatusBadGateway
		code = "escrow_failed"
	case errors.Is(err, ErrReconcileNeeded):
		code = "reconcile_needed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerID := c.GetString("authUserID")
	if callerID != "" && callerID != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the seller",
		})
		return
	}

	o, err := h.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrUserBanned) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// TakeOrder handles POST /v1/orders/:id/take
func (h *Handler) TakeOrder(c *gin.Context) {
	var req TakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerId is required",
		})
		return
	}

	callerID := c.GetString("authUserID")
	if callerID != "" && callerID != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the buyer",
		})
		return
	}

	result, err := h.service.Take(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":          result.Order,
		"paymentRequest": result.PaymentRequest,
	})
}

// FiatSent handles POST /v1/orders/:id/fiatsent
func (h *Handler) FiatSent(c *gin.Context) {
	o, err := h.service.FiatSent(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ReleaseOrder handles POST /v1/orders/:id/release
func (h *Handler) ReleaseOrder(c *gin.Context) {
	o, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CooperativeCancel handles POST /v1/orders/:id/cooperativecancel
func (h *Handler) CooperativeCancel(c *gin.Context) {
	o, err := h.service.CooperativeCancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		if errors.Is(err, ErrAlreadyRequested) {
			// Guidance, not failure: the caller's own request is already on file.
			c.JSON(http.StatusOK, gin.H{
				"status":  "already_requested",
				"message": err.Error(),
			})
			return
		}
		respondError(c, err)
		return
	}

	resp := gin.H{"order": o}
	if o.Status == order.StatusActive {
		resp["status"] = "waiting_counterparty"
	}
	c.JSON(http.StatusOK, resp)
}

// DisputeOrder handles POST /v1/orders/:id/dispute
func (h *Handler) DisputeOrder(c *gin.Context) {
	o, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// AdminCancelOrder handles POST /v1/admin/orders/:id/cancel
func (h *Handler) AdminCancelOrder(c *gin.Context) {
	o, err := h.service.AdminCancel(c.Request.Context(), c.Param("id"), c.GetString("adminID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// AdminSettleOrder handles POST /v1/admin/orders/:id/settle
func (h *Handler) AdminSettleOrder(c *gin.Context) {
	o, err := h.service.AdminSettle(c.Request.Context(), c.Param("id"), c.GetString("adminID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
