package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var alice = Principal{UserID: "usr_alice", Email: "alice@example.com", Role: RoleUser}

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)
	token, err := iss.Issue(alice)
	require.NoError(t, err)

	p, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, alice, p)
}

func TestParse_Expired(t *testing.T) {
	iss := NewIssuer(testSecret, time.Minute)
	issuedAt := time.Now().Add(-time.Hour)
	iss.now = func() time.Time { return issuedAt }
	token, err := iss.Issue(alice)
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.Parse(token)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestParse_WrongSecret(t *testing.T) {
	token, err := NewIssuer(testSecret, time.Hour).Issue(alice)
	require.NoError(t, err)

	_, err = NewIssuer("ffffffffffffffffffffffffffffffff", time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{
		Role:    RoleAdmin,
		Purpose: purposeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_mallory",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewIssuer(testSecret, time.Hour).Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResetTokenIsNotASession(t *testing.T) {
	iss := NewIssuer(testSecret, time.Hour)
	reset, err := iss.IssueReset(alice)
	require.NoError(t, err)

	_, err = iss.Parse(reset)
	assert.ErrorIs(t, err, ErrInvalidToken)

	p, err := iss.ParseReset(reset)
	require.NoError(t, err)
	assert.Equal(t, "usr_alice", p.UserID)

	session, err := iss.Issue(alice)
	require.NoError(t, err)
	_, err = iss.ParseReset(session)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Empty(t *testing.T) {
	_, err := NewIssuer(testSecret, time.Hour).Parse("")
	assert.ErrorIs(t, err, ErrMissingToken)
}
