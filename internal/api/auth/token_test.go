package auth

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedIssuer(secret string, at time.Time) *Issuer {
	iss := NewIssuer(secret)
	iss.now = func() time.Time { return at }
	return iss
}

func TestIssuer_RoundTrip(t *testing.T) {
	issuedAt := time.Unix(1_700_000_000, 0)
	iss := fixedIssuer("secret", issuedAt)

	tok, exp, err := iss.Issue(42, "alice", "alice@example.com", "user")
	require.NoError(t, err)
	assert.Equal(t, issuedAt.Add(7*24*time.Hour), exp)

	claims, err := iss.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(42), claims.Subject)
	assert.EqualValues(t, 42, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, issuedAt.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestIssuer_ExpiryIsExact(t *testing.T) {
	issuedAt := time.Unix(1_700_000_000, 0)
	iss := fixedIssuer("secret", issuedAt)
	tok, _, err := iss.Issue(1, "u", "u@example.com", "user")
	require.NoError(t, err)

	iss.now = func() time.Time { return issuedAt.Add(TokenTTL - time.Second) }
	_, err = iss.Parse(tok)
	require.NoError(t, err)

	iss.now = func() time.Time { return issuedAt.Add(TokenTTL) }
	_, err = iss.Parse(tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestIssuer_RejectsForeignSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, _, err := fixedIssuer("other", now).Issue(1, "u", "u@example.com", "user")
	require.NoError(t, err)

	_, err = fixedIssuer("secret", now).Parse(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssuer_RejectsAlgNoneAndGarbage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := fixedIssuer("secret", now)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: "admin",
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Parse(raw)
	assert.True(t, errors.Is(err, ErrTokenInvalid))

	_, err = iss.Parse("not-a-token")
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestIssuer_RequiresExpiry(t *testing.T) {
	iss := fixedIssuer("secret", time.Unix(1_700_000_000, 0))
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
		UserID:           1,
		Role:             "user",
	})
	raw, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = iss.Parse(raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssuer_SubjectMustMatchUserID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := fixedIssuer("secret", now)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "2",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		UserID: 1,
		Role:   "user",
	})
	raw, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = iss.Parse(raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
