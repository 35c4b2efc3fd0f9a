package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/logging"
)

const (
	// ContextKeyPrincipal holds the authenticated Principal.
	ContextKeyPrincipal = "authPrincipal"
	// ContextKeyUserID holds the caller's user id (also used by the limiter).
	ContextKeyUserID = "authUserID"

	// CookieName is the session cookie set on login.
	CookieName = "reqtoken"
)

// TokenFromRequest returns the bearer token or session cookie value.
func TokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(CookieName); err == nil {
		return cookie
	}
	return ""
}

// Middleware attaches the Principal for valid session tokens. Requests
// without a valid token pass through unauthenticated.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := TokenFromRequest(c); token != "" {
			if p, err := issuer.Parse(token); err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Set(ContextKeyUserID, p.UserID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), p.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects unauthenticated requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			apperr.Respond(c, ErrMissingToken)
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers with 403.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			apperr.Respond(c, ErrMissingToken)
			return
		}
		if !p.IsAdmin() {
			apperr.Respond(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// RequireSubRole admits admins holding one of subRoles.
func RequireSubRole(subRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			apperr.Respond(c, ErrMissingToken)
			return
		}
		if !p.IsAdmin() || !HasSubRole(p, subRoles...) {
			apperr.Respond(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// HasSubRole reports whether p holds any of subRoles.
func HasSubRole(p Principal, subRoles ...string) bool {
	for _, r := range subRoles {
		if p.SubRole == r {
			return true
		}
	}
	return false
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// MustPrincipal returns the caller for routes behind RequireAuth.
func MustPrincipal(c *gin.Context) Principal {
	p, _ := GetPrincipal(c)
	return p
}

// SetCookie writes the session cookie.
func SetCookie(c *gin.Context, token string, maxAgeSeconds int, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, token, maxAgeSeconds, "/", "", secure, true)
}

// ClearCookie expires the session cookie.
func ClearCookie(c *gin.Context, secure bool) {
	c.SetCookie(CookieName, "", -1, "/", "", secure, true)
}
