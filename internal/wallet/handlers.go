package wallet

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/validation"
)

// Handler serves the caller's wallet.
type Handler struct {
	service *Service
}

// NewHandler creates a wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes mounts wallet routes behind auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.POST("/wallet/add-bank", h.AddBank)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	p := auth.MustPrincipal(c)
	w, err := h.service.Get(c.Request.Context(), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

type addBankRequest struct {
	BankCode      string `json:"bankCode" binding:"required,max=16"`
	AccountNumber string `json:"accountNumber" binding:"required,numeric,len=10"`
	AccountName   string `json:"accountName" binding:"required,max=120"`
}

// AddBank handles POST /v1/wallet/add-bank
func (h *Handler) AddBank(c *gin.Context) {
	var req addBankRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	w, err := h.service.AddBank(c.Request.Context(), p.UserID, BankInfo{
		BankCode:      validation.SanitizeString(req.BankCode, 16),
		AccountNumber: req.AccountNumber,
		AccountName:   validation.SanitizeString(req.AccountName, 120),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}
