package attachments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrObjectListingUnsupported is returned by List when no inventory endpoint
// is configured. Reconcile skips orphan detection in that case.
var ErrObjectListingUnsupported = errors.New("object listing unsupported")

const maxInventoryBytes = 10 << 20

type ObjectProbe struct {
	Exists    bool
	SizeBytes int64
	Checksum  string
}

type ObjectInventoryEntry struct {
	ObjectKey string `json:"objectKey"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// ObjectStoreInspector answers what the store actually holds. Probe checks a
// single key, List pages the store inventory for orphan detection.
type ObjectStoreInspector interface {
	Probe(ctx context.Context, objectKey string) (ObjectProbe, error)
	List(ctx context.Context, limit int) ([]ObjectInventoryEntry, error)
}

// SignedURLObjectInspector probes through the same signed-URL front door
// clients use, so reconcile sees exactly what a client download would see.
type SignedURLObjectInspector struct {
	signer       URLSigner
	client       *http.Client
	inventoryURL string
}

func NewSignedURLObjectInspector(signer URLSigner, inventoryURL string, timeout time.Duration) *SignedURLObjectInspector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SignedURLObjectInspector{
		signer:       signer,
		client:       &http.Client{Timeout: timeout},
		inventoryURL: strings.TrimSpace(inventoryURL),
	}
}

func (i *SignedURLObjectInspector) Probe(ctx context.Context, objectKey string) (ObjectProbe, error) {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return ObjectProbe{}, errors.New("object key is required")
	}
	if i == nil || i.signer == nil {
		return ObjectProbe{}, errors.New("object inspector signer is not configured")
	}

	downloadURL, err := i.signer.SignDownload(objectKey, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		return ObjectProbe{}, fmt.Errorf("sign probe download url: %w", err)
	}

	probe, retryWithRange, err := i.headProbe(ctx, downloadURL)
	if err != nil || !retryWithRange {
		return probe, err
	}
	return i.rangeProbe(ctx, downloadURL)
}

func (i *SignedURLObjectInspector) headProbe(ctx context.Context, downloadURL string) (ObjectProbe, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, downloadURL, nil)
	if err != nil {
		return ObjectProbe{}, false, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return ObjectProbe{}, false, fmt.Errorf("probe object head: %w", err)
	}
	defer resp.Body.Close()

	// Some gateways refuse HEAD on signed URLs. A one-byte range GET yields
	// the same metadata.
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return ObjectProbe{}, true, nil
	}
	probe, err := probeFromResponse(resp)
	return probe, false, err
}

func (i *SignedURLObjectInspector) rangeProbe(ctx context.Context, downloadURL string) (ObjectProbe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return ObjectProbe{}, fmt.Errorf("build fallback probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := i.client.Do(req)
	if err != nil {
		return ObjectProbe{}, fmt.Errorf("probe object range get: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return probeFromResponse(resp)
}

func probeFromResponse(resp *http.Response) (ObjectProbe, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		return ObjectProbe{Exists: false}, nil
	default:
		return ObjectProbe{}, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	// Range responses report the full object size in Content-Range, not
	// Content-Length.
	var size int64
	if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
		size = total
	} else if n, err := strconv.ParseInt(strings.TrimSpace(resp.Header.Get("Content-Length")), 10, 64); err == nil && n >= 0 {
		size = n
	}

	checksum := normalizeChecksum(resp.Header.Get("X-Amz-Meta-Sha256"))
	if checksum == "" {
		checksum = normalizeChecksum(resp.Header.Get("ETag"))
	}

	return ObjectProbe{Exists: true, SizeBytes: size, Checksum: checksum}, nil
}

func normalizeChecksum(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	v = strings.TrimSpace(strings.Trim(v, `"'`))
	v = strings.ToLower(v)
	return strings.TrimSpace(strings.TrimPrefix(v, "sha256:"))
}

func parseContentRangeTotal(v string) (int64, bool) {
	_, rawTotal, ok := strings.Cut(strings.TrimSpace(v), "/")
	if !ok || strings.Contains(rawTotal, "/") {
		return 0, false
	}
	rawTotal = strings.TrimSpace(rawTotal)
	if rawTotal == "" || rawTotal == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(rawTotal, 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}

// List pages the configured inventory endpoint.
func (i *SignedURLObjectInspector) List(ctx context.Context, limit int) ([]ObjectInventoryEntry, error) {
	if i == nil || i.inventoryURL == "" {
		return nil, ErrObjectListingUnsupported
	}

	endpoint, err := url.Parse(i.inventoryURL)
	if err != nil {
		return nil, fmt.Errorf("parse inventory url: %w", err)
	}
	if limit > 0 {
		query := endpoint.Query()
		query.Set("limit", strconv.Itoa(limit))
		endpoint.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build inventory request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("inventory returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInventoryBytes))
	if err != nil {
		return nil, fmt.Errorf("read inventory response: %w", err)
	}
	return parseInventoryEntries(body, limit)
}

// parseInventoryEntries accepts a bare array or an object with an
// objects/items array, tolerates several key spellings, and drops duplicate
// or keyless entries.
func parseInventoryEntries(body []byte, limit int) ([]ObjectInventoryEntry, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode inventory payload: %w", err)
	}

	items, err := inventoryItems(payload)
	if err != nil {
		return nil, err
	}

	entries := make([]ObjectInventoryEntry, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		entry, ok := inventoryEntryFrom(item)
		if !ok {
			continue
		}
		if _, dup := seen[entry.ObjectKey]; dup {
			continue
		}
		seen[entry.ObjectKey] = struct{}{}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func inventoryItems(payload any) ([]any, error) {
	switch v := payload.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, field := range []string{"objects", "items"} {
			raw, ok := v[field]
			if !ok {
				continue
			}
			items, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("inventory %s field must be an array", field)
			}
			return items, nil
		}
		return nil, errors.New("inventory payload must be an array or contain objects/items")
	default:
		return nil, fmt.Errorf("inventory payload has unsupported type %T", payload)
	}
}

func inventoryEntryFrom(item any) (ObjectInventoryEntry, bool) {
	switch v := item.(type) {
	case string:
		if key := strings.TrimSpace(v); key != "" {
			return ObjectInventoryEntry{ObjectKey: key}, true
		}
	case map[string]any:
		key := strings.TrimSpace(stringField(v, "objectKey", "object_key", "key", "path", "name"))
		if key == "" {
			return ObjectInventoryEntry{}, false
		}
		return ObjectInventoryEntry{
			ObjectKey: key,
			SizeBytes: sizeField(v, "sizeBytes", "size_bytes", "size", "contentLength", "content_length"),
			Checksum:  normalizeChecksum(stringField(v, "checksum", "sha256", "etag", "hash")),
		}, true
	}
	return ObjectInventoryEntry{}, false
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func sizeField(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v >= 0 {
				return int64(v)
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
				return n
			}
		case json.Number:
			if n, err := v.Int64(); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}
