package attachments

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *HMACURLSigner {
	t.Helper()
	signer, err := NewHMACURLSigner("http://objects.local:9000/", "elnote", "unit-test-signing-secret")
	require.NoError(t, err)
	return signer
}

func TestNewHMACURLSignerValidatesConfig(t *testing.T) {
	cases := []struct {
		name    string
		baseURL string
		bucket  string
		secret  string
	}{
		{"missing base url", "", "elnote", "secret"},
		{"missing bucket", "http://objects.local", "", "secret"},
		{"missing secret", "http://objects.local", "elnote", ""},
		{"whitespace secret", "http://objects.local", "elnote", "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewHMACURLSigner(tc.baseURL, tc.bucket, tc.secret)
			assert.Error(t, err)
		})
	}
}

func TestSignUploadURLShape(t *testing.T) {
	signer := newTestSigner(t)
	expiresAt := time.Now().UTC().Add(15 * time.Minute)

	signed, err := signer.SignUpload("raw/2026/run-4/chromatogram.cdf", expiresAt)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/elnote/raw/2026/run-4/chromatogram.cdf", u.Path)
	assert.Equal(t, "put", u.Query().Get("op"))

	exp, err := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, expiresAt.Unix(), exp)

	sig := u.Query().Get("sig")
	require.Len(t, sig, 64, "hex HMAC-SHA256")
	assert.Equal(t, strings.ToLower(sig), sig)
}

func TestSignDownloadUsesGetOperation(t *testing.T) {
	signer := newTestSigner(t)
	expiresAt := time.Now().UTC().Add(time.Minute)

	upload, err := signer.SignUpload("raw/sample.bin", expiresAt)
	require.NoError(t, err)
	download, err := signer.SignDownload("raw/sample.bin", expiresAt)
	require.NoError(t, err)

	up, err := url.Parse(upload)
	require.NoError(t, err)
	down, err := url.Parse(download)
	require.NoError(t, err)

	assert.Equal(t, "get", down.Query().Get("op"))
	assert.NotEqual(t, up.Query().Get("sig"), down.Query().Get("sig"),
		"operation is part of the signed payload, so put and get signatures must differ")
}

func TestSignatureBindsEveryInput(t *testing.T) {
	signer := newTestSigner(t)
	expiresAt := time.Unix(1790000000, 0).UTC()

	baseline, err := signer.SignDownload("raw/a.bin", expiresAt)
	require.NoError(t, err)
	baselineSig := mustQueryParam(t, baseline, "sig")

	otherKey, err := signer.SignDownload("raw/b.bin", expiresAt)
	require.NoError(t, err)
	assert.NotEqual(t, baselineSig, mustQueryParam(t, otherKey, "sig"))

	otherExpiry, err := signer.SignDownload("raw/a.bin", expiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, baselineSig, mustQueryParam(t, otherExpiry, "sig"))

	otherSecret, err := NewHMACURLSigner("http://objects.local:9000", "elnote", "a-different-signing-secret")
	require.NoError(t, err)
	resigned, err := otherSecret.SignDownload("raw/a.bin", expiresAt)
	require.NoError(t, err)
	assert.NotEqual(t, baselineSig, mustQueryParam(t, resigned, "sig"))

	otherBucket, err := NewHMACURLSigner("http://objects.local:9000", "archive", "unit-test-signing-secret")
	require.NoError(t, err)
	rebucketed, err := otherBucket.SignDownload("raw/a.bin", expiresAt)
	require.NoError(t, err)
	assert.NotEqual(t, baselineSig, mustQueryParam(t, rebucketed, "sig"))
}

func TestSignIsDeterministicForSameInputs(t *testing.T) {
	signer := newTestSigner(t)
	expiresAt := time.Unix(1790000000, 0).UTC()

	first, err := signer.SignDownload("raw/a.bin", expiresAt)
	require.NoError(t, err)
	second, err := signer.SignDownload("raw/a.bin", expiresAt)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSignRejectsBadObjectKeys(t *testing.T) {
	signer := newTestSigner(t)
	expiresAt := time.Now().Add(time.Minute)

	for _, key := range []string{"", "   ", "../etc/passwd", "raw/../../secrets", "raw/..", "a..b"} {
		_, err := signer.SignUpload(key, expiresAt)
		assert.Error(t, err, "key %q", key)
	}
}

func TestSignEscapesObjectKeySegments(t *testing.T) {
	signer := newTestSigner(t)

	signed, err := signer.SignDownload("raw/2026 runs/gel photo #3.png", time.Now().Add(time.Minute))
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, "/elnote/raw/2026 runs/gel photo #3.png", u.Path, "segments decode back to the original key")
	assert.NotContains(t, signed, " ", "raw spaces must be escaped in the signed URL")
	assert.NotContains(t, signed, "#", "fragment characters must be escaped in the signed URL")
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	v := u.Query().Get(key)
	require.NotEmpty(t, v)
	return v
}
