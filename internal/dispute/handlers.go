package dispute

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/validation"
)

// Handler provides the dispute endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes mounts the party routes behind auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/dispute-create", h.CreateDispute)
	r.POST("/dispute-close", h.CloseDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterAdminRoutes mounts the administrative transitions. r must
// already require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListAllDisputes)
	r.POST("/dispute/:id/resolve", h.transition((*Service).Resolve))
	r.POST("/dispute/:id/close", h.transition((*Service).Close))
	r.POST("/dispute/:id/reopen", h.transition((*Service).Reopen))
	r.PUT("/dispute/:id/reason", h.UpdateReason)
}

func viewer(p auth.Principal) escrow.Viewer {
	return escrow.Viewer{UserID: p.UserID, Email: p.Email, IsAdmin: p.IsAdmin()}
}

type createRequest struct {
	EscrowID string   `json:"escrowId" binding:"required,max=64"`
	Reason   string   `json:"reason" binding:"required,max=2000"`
	Files    []string `json:"files" binding:"max=10,dive,max=500"`
}

// CreateDispute handles POST /v1/dispute-create
func (h *Handler) CreateDispute(c *gin.Context) {
	var req createRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	d, err := h.service.Open(c.Request.Context(), p.UserID, OpenRequest{
		EscrowID: req.EscrowID,
		Reason:   validation.SanitizeString(req.Reason, MaxReasonLength),
		Files:    req.Files,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

type closeRequest struct {
	DisputeID string `json:"disputeId" binding:"required,max=64"`
}

// CloseDispute handles POST /v1/dispute-close
func (h *Handler) CloseDispute(c *gin.Context) {
	var req closeRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	d, err := h.service.Close(c.Request.Context(), viewer(p), req.DisputeID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondPage(c *gin.Context, rows []*Dispute, total int, page pagination.Page) {
	res := pagination.NewResult(rows, total, page)
	c.JSON(http.StatusOK, gin.H{
		"disputes":    res.Items,
		"totalPages":  res.TotalPages,
		"currentPage": res.CurrentPage,
		"total":       res.Total,
	})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	page := pagination.FromQuery(c)
	p := auth.MustPrincipal(c)
	rows, total, err := h.service.List(c.Request.Context(), p.UserID, page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, rows, total, page)
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	p := auth.MustPrincipal(c)
	d, err := h.service.Get(c.Request.Context(), viewer(p), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListAllDisputes handles GET /v1/admin/disputes?status=
func (h *Handler) ListAllDisputes(c *gin.Context) {
	status := Status(c.Query("status"))
	switch status {
	case "", StatusOpen, StatusResolved, StatusClosed:
	default:
		apperr.Respond(c, apperr.Validation("status: must be one of open, resolved, closed", nil))
		return
	}
	page := pagination.FromQuery(c)
	rows, total, err := h.service.ListAll(c.Request.Context(), status, page)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	respondPage(c, rows, total, page)
}

// transition adapts a Service state change to a handler on /dispute/:id.
func (h *Handler) transition(fn func(*Service, context.Context, escrow.Viewer, string) (*Dispute, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.MustPrincipal(c)
		d, err := fn(h.service, c.Request.Context(), viewer(p), c.Param("id"))
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dispute": d})
	}
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required,max=2000"`
}

// UpdateReason handles PUT /v1/admin/dispute/:id/reason
func (h *Handler) UpdateReason(c *gin.Context) {
	var req reasonRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	p := auth.MustPrincipal(c)
	d, err := h.service.UpdateReason(c.Request.Context(), viewer(p), c.Param("id"),
		validation.SanitizeString(req.Reason, MaxReasonLength))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
