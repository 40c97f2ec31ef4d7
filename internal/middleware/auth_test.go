package middleware

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elnote-io/server/internal/auth"
)

type stubParser struct {
	gotToken string
	claims   auth.AccessClaims
	err      error
}

func (p *stubParser) ParseAccessToken(token string) (auth.AccessClaims, error) {
	p.gotToken = token
	return p.claims, p.err
}

func TestAuthenticateRequest(t *testing.T) {
	parser := &stubParser{claims: auth.AccessClaims{Role: "owner", DeviceID: "device-7"}}
	parser.claims.Subject = "user-1"

	r := httptest.NewRequest("GET", "/v1/experiments/exp-1", nil)
	r.Header.Set("Authorization", "Bearer the-token")

	user, err := AuthenticateRequest(r, parser)
	require.NoError(t, err)
	assert.Equal(t, "the-token", parser.gotToken)
	assert.Equal(t, AuthUser{ID: "user-1", Role: "owner", DeviceID: "device-7"}, user)
}

func TestAuthenticateRequestAcceptsLowercaseBearer(t *testing.T) {
	parser := &stubParser{}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "bearer the-token")

	_, err := AuthenticateRequest(r, parser)
	require.NoError(t, err)
	assert.Equal(t, "the-token", parser.gotToken)
}

func TestAuthenticateRequestMissingHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, err := AuthenticateRequest(r, &stubParser{})
	assert.ErrorIs(t, err, ErrMissingAuthorization)
}

func TestAuthenticateRequestMalformedHeader(t *testing.T) {
	for _, header := range []string{"the-token", "Basic dXNlcjpwYXNz", "Bearer"} {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", header)

		_, err := AuthenticateRequest(r, &stubParser{})
		assert.ErrorIs(t, err, ErrInvalidAuthorization, "header %q", header)
	}
}

func TestAuthenticateRequestPropagatesParserError(t *testing.T) {
	wantErr := errors.New("token expired")
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer stale")

	_, err := AuthenticateRequest(r, &stubParser{err: wantErr})
	assert.ErrorIs(t, err, wantErr)
}
