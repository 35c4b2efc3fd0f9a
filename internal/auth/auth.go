// Package auth issues and verifies the HS256 session tokens used by the API.
//
// Tokens are accepted from an "Authorization: Bearer" header or the
// "reqtoken" cookie. Password-reset tokens carry purpose=reset and are only
// valid for the reset endpoint, never as a session.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/safehold/safehold/internal/apperr"
)

// Roles and admin sub-roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	SubRoleCustomerCare = "customer_care"
	SubRoleAuditor      = "auditor"
	SubRoleSuperAdmin   = "super_admin"
)

const (
	purposeSession = "session"
	purposeReset   = "reset"

	// ResetTTL bounds password-reset links.
	ResetTTL = 30 * time.Minute

	issuer = "safehold"
)

var (
	ErrInvalidToken = apperr.New(apperr.KindUnauthorized, "invalid_token", "Invalid or expired token")
	ErrMissingToken = apperr.New(apperr.KindUnauthorized, "unauthorized", "Authentication required")
	ErrForbidden    = apperr.New(apperr.KindForbidden, "forbidden", "You do not have access to this resource")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	SubRole string `json:"subRole,omitempty"`
}

// IsAdmin reports whether the caller has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Claims is the JWT payload.
type Claims struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	SubRole string `json:"subRole,omitempty"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// Issuer signs and parses tokens with one shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer. ttl applies to session tokens.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL is the session lifetime, also used as the cookie max-age.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a session token for p.
func (i *Issuer) Issue(p Principal) (string, error) {
	return i.sign(p, purposeSession, i.ttl)
}

// IssueReset returns a short-lived password reset token.
func (i *Issuer) IssueReset(p Principal) (string, error) {
	return i.sign(p, purposeReset, ResetTTL)
}

func (i *Issuer) sign(p Principal, purpose string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Email:   p.Email,
		Role:    p.Role,
		SubRole: p.SubRole,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a session token.
func (i *Issuer) Parse(token string) (Principal, error) {
	return i.parse(token, purposeSession)
}

// ParseReset validates a password reset token.
func (i *Issuer) ParseReset(token string) (Principal, error) {
	return i.parse(token, purposeReset)
}

func (i *Issuer) parse(token, purpose string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, apperr.New(apperr.KindUnauthorized, "token_expired", "Token has expired")
		}
		return Principal{}, ErrInvalidToken
	}
	if claims.Purpose != purpose || claims.Subject == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Email: claims.Email, Role: claims.Role, SubRole: claims.SubRole}, nil
}
