package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up escrow routes that require auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow", h.ListEscrows)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/chat", h.GetChat)
	r.POST("/escrow/accept", h.AcceptEscrow)
	r.POST("/escrow/reject", h.RejectEscrow)
	r.POST("/escrow/complete", h.CompleteEscrow)
}

func viewer(p auth.Principal) Viewer {
	return Viewer{UserID: p.UserID, Email: p.Email, IsAdmin: p.IsAdmin()}
}

type createRequest struct {
	CreatorRole       string          `json:"creatorRole" binding:"required,partyrole"`
	CounterpartyEmail string          `json:"counterpartyEmail" binding:"required,email,max=254"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency" binding:"omitempty,currency"`
	Category          string          `json:"category" binding:"required,max=64"`
	FeePolicy         string          `json:"feePolicy" binding:"required,feepolicy"`
	Description       string          `json:"description" binding:"max=2000"`
	Terms             []string        `json:"terms" binding:"required,min=1,max=50,dive,max=500"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	terms := make([]string, len(req.Terms))
	for i, t := range req.Terms {
		terms[i] = validation.SanitizeString(t, 500)
	}
	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}

	p := auth.MustPrincipal(c)
	e, err := h.service.Create(c.Request.Context(), p.UserID, CreateRequest{
		CreatorRole:       Role(req.CreatorRole),
		CounterpartyEmail: validation.NormalizeEmail(req.CounterpartyEmail),
		Amount:            req.Amount,
		Currency:          currency,
		Category:          validation.SanitizeString(req.Category, 64),
		FeePolicy:         FeePolicy(req.FeePolicy),
		Description:       validation.SanitizeString(req.Description, 2000),
		Terms:             terms,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrow?status=&paymentStatus=&page=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	f, ok := filterFromQuery(c)
	if !ok {
		return
	}
	page := pagination.FromQuery(c)
	p := auth.MustPrincipal(c)
	rows, total, err := h.service.List(c.Request.Context(), viewer(p), f, page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	res := pagination.NewResult(rows, total, page)
	c.JSON(http.StatusOK, gin.H{
		"escrows":     res.Items,
		"totalPages":  res.TotalPages,
		"currentPage": res.CurrentPage,
		"total":       res.Total,
	})
}

// filterFromQuery parses the shared listing filters. It writes the error
// response itself and reports false on bad input.
func filterFromQuery(c *gin.Context) (Filter, bool) {
	f := Filter{
		Status:        Status(c.Query("status")),
		PaymentStatus: PaymentStatus(c.Query("paymentStatus")),
	}
	if f.Status != "" && !validStatus(f.Status) {
		apperr.Respond(c, apperr.Validation("status: must be one of pending, active, completed, disputed, rejected", nil))
		return f, false
	}
	if f.PaymentStatus != "" && f.PaymentStatus != Paid && f.PaymentStatus != Unpaid {
		apperr.Respond(c, apperr.Validation("paymentStatus: must be paid or unpaid", nil))
		return f, false
	}
	return f, true
}

func validStatus(s Status) bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	p := auth.MustPrincipal(c)
	e, err := h.service.Get(c.Request.Context(), viewer(p), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetChat handles GET /v1/escrow/:id/chat
func (h *Handler) GetChat(c *gin.Context) {
	p := auth.MustPrincipal(c)
	chat, err := h.service.Chat(c.Request.Context(), viewer(p), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

type escrowIDRequest struct {
	EscrowID string `json:"escrowId" binding:"required,max=64"`
}

// AcceptEscrow handles POST /v1/escrow/accept
func (h *Handler) AcceptEscrow(c *gin.Context) {
	var req escrowIDRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	e, chat, err := h.service.Accept(c.Request.Context(), p.UserID, req.EscrowID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.View(viewer(p)), "chat": chat})
}

// RejectEscrow handles POST /v1/escrow/reject
func (h *Handler) RejectEscrow(c *gin.Context) {
	var req escrowIDRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	e, err := h.service.Reject(c.Request.Context(), p.UserID, req.EscrowID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.View(viewer(p))})
}

// CompleteEscrow handles POST /v1/escrow/complete
func (h *Handler) CompleteEscrow(c *gin.Context) {
	var req escrowIDRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	e, err := h.service.Complete(c.Request.Context(), p.UserID, req.EscrowID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e.View(viewer(p))})
}
