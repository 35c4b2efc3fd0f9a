package users

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/auth"
	"github.com/safehold/safehold/internal/validation"
)

// Handler serves the account endpoints.
type Handler struct {
	service      *Service
	secureCookie bool
}

// NewHandler creates a users handler. secureCookie marks the session
// cookie Secure and should be set outside development.
func NewHandler(service *Service, secureCookie bool) *Handler {
	return &Handler{service: service, secureCookie: secureCookie}
}

// RegisterRoutes mounts the public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/logout", h.Logout)
	r.POST("/auth/forgot-password", h.ForgotPassword)
	r.POST("/auth/reset-password", h.ResetPassword)
}

// RegisterProtectedRoutes mounts routes that need a session.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
}

type registerRequest struct {
	Firstname string `json:"firstname" binding:"required,max=64"`
	Lastname  string `json:"lastname" binding:"required,max=64"`
	Username  string `json:"username" binding:"required,alphanum,min=3,max=32"`
	Email     string `json:"email" binding:"required,email,max=254"`
	Password  string `json:"password" binding:"required,min=8,max=72"`
}

// Register handles POST /v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	u, err := h.service.Register(c.Request.Context(), RegisterRequest{
		Firstname: validation.SanitizeString(req.Firstname, 64),
		Lastname:  validation.SanitizeString(req.Lastname, 64),
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	token, u, err := h.service.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	auth.SetCookie(c, token, int(h.service.issuer.TTL().Seconds()), h.secureCookie)
	c.JSON(http.StatusOK, gin.H{"token": token, "user": u})
}

// Logout handles POST /v1/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	auth.ClearCookie(c, h.secureCookie)
	c.Status(http.StatusNoContent)
}

type forgotRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ForgotPassword handles POST /v1/auth/forgot-password
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req forgotRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := h.service.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "If the account exists, a reset link has been sent"})
}

type resetRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// ResetPassword handles POST /v1/auth/reset-password
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetRequest
	if err := validation.Bind(c, &req); err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := h.service.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password updated"})
}

// Me handles GET /v1/me
func (h *Handler) Me(c *gin.Context) {
	p := auth.MustPrincipal(c)
	u, err := h.service.Me(c.Request.Context(), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
