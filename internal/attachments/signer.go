package attachments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// URLSigner mints short-lived signed URLs for direct object-store access.
// The API hands these to clients instead of proxying object bytes.
type URLSigner interface {
	SignUpload(objectKey string, expiresAt time.Time) (string, error)
	SignDownload(objectKey string, expiresAt time.Time) (string, error)
}

// HMACURLSigner signs bucket-scoped URLs with HMAC-SHA256. The gateway in
// front of the object store shares the secret and replays the same canonical
// string to verify.
type HMACURLSigner struct {
	baseURL string
	bucket  string
	secret  []byte
}

func NewHMACURLSigner(baseURL, bucket, secret string) (*HMACURLSigner, error) {
	baseURL = strings.TrimSpace(baseURL)
	bucket = strings.TrimSpace(bucket)
	secret = strings.TrimSpace(secret)

	switch {
	case baseURL == "":
		return nil, errors.New("baseURL is required")
	case bucket == "":
		return nil, errors.New("bucket is required")
	case secret == "":
		return nil, errors.New("secret is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}

	return &HMACURLSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		secret:  []byte(secret),
	}, nil
}

func (s *HMACURLSigner) SignUpload(objectKey string, expiresAt time.Time) (string, error) {
	return s.sign("put", objectKey, expiresAt)
}

func (s *HMACURLSigner) SignDownload(objectKey string, expiresAt time.Time) (string, error) {
	return s.sign("get", objectKey, expiresAt)
}

// sign builds {base}/{bucket}/{key}?op=&exp=&sig=. The signature covers the
// operation, bucket, object key, and expiry, newline-joined, so none of them
// can be swapped without invalidating the URL.
func (s *HMACURLSigner) sign(operation, objectKey string, expiresAt time.Time) (string, error) {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return "", errors.New("objectKey is required")
	}
	if strings.Contains(objectKey, "..") {
		return "", errors.New("objectKey must not contain '..'")
	}

	exp := strconv.FormatInt(expiresAt.UTC().Unix(), 10)

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%s", operation, s.bucket, objectKey, exp)
	sig := hex.EncodeToString(mac.Sum(nil))

	query := url.Values{}
	query.Set("op", operation)
	query.Set("exp", exp)
	query.Set("sig", sig)

	segments := strings.Split(objectKey, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}

	return s.baseURL + "/" + url.PathEscape(s.bucket) + "/" + strings.Join(segments, "/") + "?" + query.Encode(), nil
}
