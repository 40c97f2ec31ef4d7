package app

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elnote-io/server/internal/config"
)

func TestParseExperimentPath(t *testing.T) {
	cases := []struct {
		path   string
		id     string
		action string
		ok     bool
	}{
		{"/v1/experiments/exp-1", "exp-1", "", true},
		{"/v1/experiments/exp-1/", "exp-1", "", true},
		{"/v1/experiments/exp-1/history", "exp-1", "history", true},
		{"/v1/experiments/exp-1/addendums", "exp-1", "addendums", true},
		{"/v1/experiments/exp-1/signatures/verify", "exp-1", "signatures/verify", true},
		{"/v1/experiments", "", "", false},
		{"/v1/experiments/", "", "", false},
		{"/v1/experiments/exp-1/a/b/c", "", "", false},
		{"/v2/experiments/exp-1", "", "", false},
		{"/v1/attachments/exp-1", "", "", false},
	}
	for _, tc := range cases {
		id, action, ok := parseExperimentPath(tc.path)
		assert.Equal(t, tc.ok, ok, "path %q", tc.path)
		assert.Equal(t, tc.id, id, "path %q", tc.path)
		assert.Equal(t, tc.action, action, "path %q", tc.path)
	}
}

func TestParseSubResourcePath(t *testing.T) {
	cases := []struct {
		path   string
		prefix string
		id     string
		action string
		ok     bool
	}{
		{"/v1/attachments/att-1/complete", "/v1/attachments/", "att-1", "complete", true},
		{"/v1/attachments/att-1/download", "/v1/attachments/", "att-1", "download", true},
		{"/v1/attachments/att-1", "/v1/attachments/", "att-1", "", true},
		{"/v1/attachments/", "/v1/attachments/", "", "", false},
		{"/v1/devices/dev-9/revoke", "/v1/devices/", "dev-9", "revoke", true},
	}
	for _, tc := range cases {
		id, action, ok := parseSubResourcePath(tc.path, tc.prefix)
		assert.Equal(t, tc.ok, ok, "path %q", tc.path)
		assert.Equal(t, tc.id, id, "path %q", tc.path)
		assert.Equal(t, tc.action, action, "path %q", tc.path)
	}
}

func TestParseIntQuery(t *testing.T) {
	get := func(rawQuery string) *http.Request {
		return httptest.NewRequest("GET", "/v1/sync/pull?"+rawQuery, nil)
	}

	v, err := parseIntQuery(get("limit=25"), "limit", 100)
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	v, err = parseIntQuery(get(""), "limit", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, v, "absent values take the fallback")

	_, err = parseIntQuery(get("limit=-1"), "limit", 100)
	assert.Error(t, err, "negative limits are rejected, not clamped")

	_, err = parseIntQuery(get("limit=abc"), "limit", 100)
	assert.Error(t, err)
}

func TestParseInt64Query(t *testing.T) {
	get := func(rawQuery string) *http.Request {
		return httptest.NewRequest("GET", "/v1/sync/pull?"+rawQuery, nil)
	}

	v, err := parseInt64Query(get("cursor=9007199254740993"), "cursor", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v, "cursors larger than a float64 mantissa must survive")

	v, err = parseInt64Query(get(""), "cursor", 0)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = parseInt64Query(get("cursor=-7"), "cursor", 0)
	assert.Error(t, err)
}

func TestParseTimeQuery(t *testing.T) {
	get := func(rawQuery string) *http.Request {
		return httptest.NewRequest("GET", "/v1/search?"+rawQuery, nil)
	}

	ts, err := parseTimeQuery(get("from=2026-03-14T09:26:53Z"), "from")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), ts.UTC())

	ts, err = parseTimeQuery(get("from=2026-03-14"), "from")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), ts.UTC())

	ts, err = parseTimeQuery(get(""), "from")
	require.NoError(t, err)
	assert.Nil(t, ts, "absent filters stay nil rather than defaulting to the zero time")

	_, err = parseTimeQuery(get("from=last-tuesday"), "from")
	assert.Error(t, err)
}

func TestIsTLSRequest(t *testing.T) {
	plain := httptest.NewRequest("GET", "/v1/experiments", nil)
	assert.False(t, isTLSRequest(plain))

	direct := httptest.NewRequest("GET", "/v1/experiments", nil)
	direct.TLS = &tls.ConnectionState{}
	assert.True(t, isTLSRequest(direct))

	forwarded := httptest.NewRequest("GET", "/v1/experiments", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "HTTPS")
	assert.True(t, isTLSRequest(forwarded), "proxy-terminated TLS is accepted case-insensitively")

	spoofed := httptest.NewRequest("GET", "/v1/experiments", nil)
	spoofed.Header.Set("X-Forwarded-Proto", "http")
	assert.False(t, isTLSRequest(spoofed))
}

func TestServeHTTPTLSGate(t *testing.T) {
	a := &App{cfg: config.Config{RequireTLS: true}, logger: zap.NewNop()}

	w := httptest.NewRecorder()
	a.ServeHTTP(w, httptest.NewRequest("POST", "/v1/experiments", nil))
	assert.Equal(t, http.StatusUpgradeRequired, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = httptest.NewRecorder()
	a.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code, "health stays reachable for plain-HTTP probes")

	forwarded := httptest.NewRequest("POST", "/v1/experiments", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "https")
	w = httptest.NewRecorder()
	a.ServeHTTP(w, forwarded)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "past the gate, an unauthenticated request fails auth, not TLS")
}

func TestServeHTTPUnknownRoute(t *testing.T) {
	a := &App{cfg: config.Config{}, logger: zap.NewNop()}

	w := httptest.NewRecorder()
	a.ServeHTTP(w, httptest.NewRequest("GET", "/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
