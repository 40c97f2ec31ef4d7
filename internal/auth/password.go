package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argonParams travel inside the PHC-encoded hash string, so cost settings
// can be raised later without invalidating stored credentials.
type argonParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

var defaultArgonParams = argonParams{memory: 64 * 1024, time: 3, threads: 2}

const (
	derivedKeyLen = 32
	saltBytes     = 16
)

// HashPassword derives an argon2id hash with a fresh random salt and returns
// the PHC-encoded string.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	p := defaultArgonParams
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, derivedKeyLen)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword re-derives the candidate against the stored encoding and
// compares in constant time. A malformed encoding is an error; a wrong
// password is (false, nil).
func VerifyPassword(encodedHash, password string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return false, errors.New("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return false, errors.New("unsupported hash algorithm")
	}
	if parts[2] != "v=19" {
		return false, errors.New("unsupported argon2 version")
	}

	params, err := parseArgonParams(parts[3])
	if err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.New("invalid salt encoding")
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.New("invalid hash encoding")
	}

	derived := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(stored)))
	return subtle.ConstantTimeCompare(stored, derived) == 1, nil
}

// parseArgonParams reads the "m=...,t=...,p=..." segment. All three values
// must be present and positive: argon2 panics on a zero time or parallelism,
// so corrupt stored values have to fail verification instead.
func parseArgonParams(segment string) (argonParams, error) {
	fields := strings.Split(segment, ",")
	if len(fields) != 3 {
		return argonParams{}, errors.New("invalid hash parameters")
	}

	values := make(map[string]uint64, 3)
	for _, field := range fields {
		key, raw, ok := strings.Cut(field, "=")
		if !ok {
			return argonParams{}, fmt.Errorf("invalid parameter: %s", field)
		}
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return argonParams{}, fmt.Errorf("invalid parameter value: %s", field)
		}
		switch key {
		case "m", "t", "p":
			values[key] = n
		default:
			return argonParams{}, fmt.Errorf("invalid parameter: %s", field)
		}
	}
	if len(values) != 3 || values["m"] == 0 || values["t"] == 0 || values["p"] == 0 || values["p"] > 255 {
		return argonParams{}, errors.New("invalid hash parameters")
	}

	return argonParams{
		memory:  uint32(values["m"]),
		time:    uint32(values["t"]),
		threads: uint8(values["p"]),
	}, nil
}
