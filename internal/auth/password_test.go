package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	encoded, err := HashPassword("CCI#3341")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=65536,t=3,p=2$"), "encoded hash: %s", encoded)

	match, err := VerifyPassword(encoded, "CCI#3341")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = VerifyPassword(encoded, "cci#3341")
	require.NoError(t, err)
	assert.False(t, match, "verification is case sensitive")
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	for _, password := range []string{"", "   ", "\t\n"} {
		_, err := HashPassword(password)
		assert.Error(t, err, "password %q", password)
	}
}

func TestHashPasswordSaltsEachCall(t *testing.T) {
	first, err := HashPassword("same-password")
	require.NoError(t, err)
	second, err := HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "a fresh salt must make every encoding unique")

	for _, encoded := range []string{first, second} {
		match, err := VerifyPassword(encoded, "same-password")
		require.NoError(t, err)
		assert.True(t, match)
	}
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	cases := map[string]string{
		"empty":              "",
		"not enough parts":   "$argon2id$v=19$m=65536,t=3,p=2$saltonly",
		"wrong algorithm":    "$argon2i$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		"wrong version":      "$argon2id$v=18$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		"broken params":      "$argon2id$v=19$m=65536,t=3$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		"mislabeled params":  "$argon2id$v=19$x=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		"bad salt encoding":  "$argon2id$v=19$m=65536,t=3,p=2$!!!!$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		"bad hash encoding":  "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$!!!!",
		"non-numeric memory": "$argon2id$v=19$m=lots,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
	}
	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			match, err := VerifyPassword(encoded, "whatever")
			assert.Error(t, err)
			assert.False(t, match)
		})
	}
}
