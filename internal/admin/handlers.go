package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/settings"
	"github.com/safehold/safehold/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates an admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up admin routes. r must already require the admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard", h.Dashboard)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transaction/:reference", h.GetTransaction)
	r.GET("/users", h.ListUsers)
	r.GET("/user/:username", h.GetUser)
	r.GET("/user/:username/audit", h.AuditTrail)
	r.POST("/user-action", h.UserAction)
	r.GET("/escrowpaymentsetting", h.GetPaymentSettings)
	r.PUT("/escrowpaymentsetting", h.UpdatePaymentSettings)
	r.POST("/add-funds", auth.RequireSubRole(auth.SubRoleSuperAdmin), h.AddFunds)
}

func respondPage[T any](c *gin.Context, rows []T, total int, page pagination.Page) {
	res := pagination.NewResult(rows, total, page)
	c.JSON(http.StatusOK, gin.H{
		"items":       res.Items,
		"totalPages":  res.TotalPages,
		"currentPage": res.CurrentPage,
		"total":       res.Total,
	})
}

// Dashboard handles GET /v1/admin/dashboard
func (h *Handler) Dashboard(c *gin.Context) {
	p := auth.MustPrincipal(c)
	d, err := h.service.Dashboard(c.Request.Context(), p.SubRole)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dashboard": d})
}

// ListEscrows handles GET /v1/admin/escrows?status=&username=
func (h *Handler) ListEscrows(c *gin.Context) {
	page := pagination.FromQuery(c)
	rows, total, err := h.service.Escrows(c.Request.Context(), c.Query("status"), c.Query("username"), page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, rows, total, page)
}

// GetEscrow handles GET /v1/admin/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Escrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListTransactions handles GET /v1/admin/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	page := pagination.FromQuery(c)
	rows, total, err := h.service.Transactions(c.Request.Context(), page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, rows, total, page)
}

// GetTransaction handles GET /v1/admin/transaction/:reference
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Transaction(c.Request.Context(), c.Param("reference"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListUsers handles GET /v1/admin/users
func (h *Handler) ListUsers(c *gin.Context) {
	page := pagination.FromQuery(c)
	rows, total, err := h.service.Users(c.Request.Context(), page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, rows, total, page)
}

// GetUser handles GET /v1/admin/user/:username
func (h *Handler) GetUser(c *gin.Context) {
	d, err := h.service.User(c.Request.Context(), c.Param("username"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// AuditTrail handles GET /v1/admin/user/:username/audit
func (h *Handler) AuditTrail(c *gin.Context) {
	entries, err := h.service.AuditTrail(c.Request.Context(), c.Param("username"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type userActionRequest struct {
	Username string `json:"username" binding:"required,alphanum,min=3,max=30"`
	Action   string `json:"action" binding:"required,useraction"`
}

// UserAction handles POST /v1/admin/user-action
func (h *Handler) UserAction(c *gin.Context) {
	var req userActionRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	u, err := h.service.UserAction(c.Request.Context(), auth.MustPrincipal(c), req.Username, req.Action)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// GetPaymentSettings handles GET /v1/admin/escrowpaymentsetting
func (h *Handler) GetPaymentSettings(c *gin.Context) {
	s, err := h.service.PaymentSettings(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

type settingsRequest struct {
	Fee      *decimal.Decimal `json:"fee"`
	Merchant *string          `json:"merchant" binding:"omitempty,merchant"`
	Currency *string          `json:"currency" binding:"omitempty,currency"`
	Status   *string          `json:"status" binding:"omitempty,oneof=enabled disabled"`
}

func (r settingsRequest) patch() settings.Patch {
	p := settings.Patch{FeePercentage: r.Fee, Currency: r.Currency}
	if r.Merchant != nil {
		m := settings.Merchant(*r.Merchant)
		p.Merchant = &m
	}
	if r.Status != nil {
		st := settings.Status(*r.Status)
		p.Status = &st
	}
	return p
}

// UpdatePaymentSettings handles PUT /v1/admin/escrowpaymentsetting
func (h *Handler) UpdatePaymentSettings(c *gin.Context) {
	var req settingsRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	s, err := h.service.UpdatePaymentSettings(c.Request.Context(), auth.MustPrincipal(c), req.patch())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

type addFundsRequest struct {
	Username string          `json:"username" binding:"required,alphanum,min=3,max=30"`
	Amount   decimal.Decimal `json:"amount"`
}

// AddFunds handles POST /v1/admin/add-funds
func (h *Handler) AddFunds(c *gin.Context) {
	var req addFundsRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	tx, w, err := h.service.AddFunds(c.Request.Context(), auth.MustPrincipal(c), req.Username, req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "wallet": w})
}
