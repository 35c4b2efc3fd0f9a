package transactions

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/pagination"
)

// Handler serves a user's transaction history.
type Handler struct {
	service *Service
}

// NewHandler creates a transactions handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes mounts history routes behind auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.List)
	r.GET("/transaction/:reference", h.Get)
}

// List handles GET /v1/transactions?cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	p := auth.MustPrincipal(c)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, apperr.Validation("Invalid cursor", nil))
		return
	}
	limit := pagination.DefaultLimit
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= pagination.MaxLimit {
		limit = l
	}

	rows, err := h.service.ListByUser(c.Request.Context(), p.UserID, cursor, limit+1)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	items, next, more := pagination.ComputePage(rows, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{"transactions": items, "nextCursor": next, "hasMore": more})
}

// Get handles GET /v1/transaction/:reference
func (h *Handler) Get(c *gin.Context) {
	p := auth.MustPrincipal(c)
	tx, err := h.service.Get(c.Request.Context(), c.Param("reference"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if tx.UserID != p.UserID && !p.IsAdmin() {
		// Same answer as a missing row so references cannot be probed.
		apperr.Respond(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}
