package payments

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/validation"
)

// Handler provides the payment endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes mounts payment routes behind auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/pay", h.Pay)
	r.GET("/confirm-payment/:reference", h.ConfirmPayment)
	r.POST("/wallet/add-funds", h.AddFunds)
	r.POST("/wallet/request-withdrawal", h.RequestWithdrawal)
}

type payRequest struct {
	EscrowID string `json:"escrowId" binding:"required,max=64"`
	Method   string `json:"method" binding:"required,paymethod"`
}

// Pay handles POST /v1/pay
func (h *Handler) Pay(c *gin.Context) {
	var req payRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	res, err := h.service.PayEscrow(c.Request.Context(), p.UserID, req.EscrowID, Method(req.Method))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": res})
}

// ConfirmPayment handles GET /v1/confirm-payment/:reference
func (h *Handler) ConfirmPayment(c *gin.Context) {
	p := auth.MustPrincipal(c)
	tx, err := h.service.ConfirmPayment(c.Request.Context(), p.UserID, p.IsAdmin(), c.Param("reference"))
	if IsPending(err) {
		c.JSON(http.StatusAccepted, gin.H{
			"status":    tx.Status,
			"reference": tx.Reference,
			"message":   "Payment is still being processed, try again shortly",
		})
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": tx.Status, "transaction": tx})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AddFunds handles POST /v1/wallet/add-funds
func (h *Handler) AddFunds(c *gin.Context) {
	var req amountRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	res, err := h.service.AddFunds(c.Request.Context(), p.UserID, req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": res})
}

// RequestWithdrawal handles POST /v1/wallet/request-withdrawal
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req amountRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	res, err := h.service.RequestWithdrawal(c.Request.Context(), p.UserID, req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"withdrawal": res})
}
