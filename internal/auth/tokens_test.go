package auth

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenSecret = "0123456789abcdef0123456789abcdef"

func newTestTokenManager() *TokenManager {
	return NewTokenManager(testTokenSecret, "elnote-api", 15*time.Minute, 30*24*time.Hour)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := newTestTokenManager()

	token, expiresAt, err := m.IssueAccessToken("user-1", "owner", "device-7")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), expiresAt, 5*time.Second)

	claims, err := m.ParseAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "owner", claims.Role)
	assert.Equal(t, "device-7", claims.DeviceID)
	assert.Equal(t, "elnote-api", claims.Issuer)
	assert.WithinDuration(t, expiresAt, claims.ExpiresAt.Time, time.Second)
}

func TestParseAccessTokenRejectsWrongSecret(t *testing.T) {
	m := newTestTokenManager()
	token, _, err := m.IssueAccessToken("user-1", "owner", "device-7")
	require.NoError(t, err)

	other := NewTokenManager("another-secret-another-secret-32", "elnote-api", 15*time.Minute, time.Hour)
	_, err = other.ParseAccessToken(token)
	assert.Error(t, err)
}

func TestParseAccessTokenRejectsWrongIssuer(t *testing.T) {
	m := newTestTokenManager()
	token, _, err := m.IssueAccessToken("user-1", "owner", "device-7")
	require.NoError(t, err)

	other := NewTokenManager(testTokenSecret, "some-other-service", 15*time.Minute, time.Hour)
	_, err = other.ParseAccessToken(token)
	assert.Error(t, err)
}

func TestParseAccessTokenRejectsExpired(t *testing.T) {
	expired := NewTokenManager(testTokenSecret, "elnote-api", -time.Minute, time.Hour)
	token, _, err := expired.IssueAccessToken("user-1", "owner", "device-7")
	require.NoError(t, err)

	_, err = newTestTokenManager().ParseAccessToken(token)
	assert.Error(t, err)
}

func TestParseAccessTokenRejectsUnsignedToken(t *testing.T) {
	claims := AccessClaims{
		Role:     "owner",
		DeviceID: "device-7",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "elnote-api",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newTestTokenManager().ParseAccessToken(unsigned)
	assert.Error(t, err, "only HMAC-signed tokens are acceptable")
}

func TestParseAccessTokenRejectsGarbage(t *testing.T) {
	m := newTestTokenManager()
	for _, token := range []string{"", "not-a-jwt", "aaaa.bbbb.cccc"} {
		_, err := m.ParseAccessToken(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestIssueRefreshToken(t *testing.T) {
	m := newTestTokenManager()

	token, tokenHash, expiresAt, err := m.IssueRefreshToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, m.HashRefreshToken(token), tokenHash, "the stored hash must match what login verification recomputes")
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), expiresAt, 5*time.Second)

	_, err = hex.DecodeString(tokenHash)
	require.NoError(t, err)
	assert.Len(t, tokenHash, 64)

	second, secondHash, _, err := m.IssueRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, second)
	assert.NotEqual(t, tokenHash, secondHash)
}
