package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeAuditPayloadIsKeyOrderIndependent(t *testing.T) {
	a, err := CanonicalizeAuditPayload([]byte(`{"title":"Run 4","experimentId":"abc","version":2}`))
	require.NoError(t, err)
	b, err := CanonicalizeAuditPayload([]byte(`{"version":2,"experimentId":"abc","title":"Run 4"}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b), "jsonb reorders keys, so the canonical form must not depend on them")
	assert.Equal(t, `{"experimentId":"abc","title":"Run 4","version":2}`, string(a))
}

func TestCanonicalizeAuditPayloadIsIdempotent(t *testing.T) {
	once, err := CanonicalizeAuditPayload([]byte(`{"b":1,"a":{"d":4,"c":3}}`))
	require.NoError(t, err)
	twice, err := CanonicalizeAuditPayload(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCanonicalizeAuditPayloadRejectsInvalidJSON(t *testing.T) {
	_, err := CanonicalizeAuditPayload([]byte(`{"open":`))
	assert.Error(t, err)
}

func TestComputeAuditEventHashIsDeterministic(t *testing.T) {
	createdAt := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	payload := []byte(`{"action":"complete"}`)
	prev := []byte{0x01, 0x02, 0x03}

	first := ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "experiment", "exp-1", payload, prev)
	second := ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "experiment", "exp-1", payload, prev)

	require.Len(t, first, 32)
	assert.Equal(t, first, second)
}

func TestComputeAuditEventHashBindsEveryField(t *testing.T) {
	createdAt := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	payload := []byte(`{"action":"complete"}`)
	prev := []byte{0x01, 0x02, 0x03}

	baseline := ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "experiment", "exp-1", payload, prev)

	variants := map[string][]byte{
		"created at":  ComputeAuditEventHash(createdAt.Add(time.Microsecond), "user-1", "experiment.completed", "experiment", "exp-1", payload, prev),
		"actor":       ComputeAuditEventHash(createdAt, "user-2", "experiment.completed", "experiment", "exp-1", payload, prev),
		"event type":  ComputeAuditEventHash(createdAt, "user-1", "experiment.created", "experiment", "exp-1", payload, prev),
		"entity type": ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "attachment", "exp-1", payload, prev),
		"entity id":   ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "experiment", "exp-2", payload, prev),
		"payload":     ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "experiment", "exp-1", []byte(`{"action":"reopen"}`), prev),
		"prev hash":   ComputeAuditEventHash(createdAt, "user-1", "experiment.completed", "experiment", "exp-1", payload, []byte{0x01, 0x02, 0x04}),
	}
	for field, got := range variants {
		assert.NotEqual(t, baseline, got, "changing %s must change the event hash", field)
	}
}

func TestComputeAuditEventHashGenesisPrevHash(t *testing.T) {
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := []byte(`{}`)

	withNil := ComputeAuditEventHash(createdAt, "user-1", "user.created", "user", "u-1", payload, nil)
	withEmpty := ComputeAuditEventHash(createdAt, "user-1", "user.created", "user", "u-1", payload, []byte{})

	assert.Equal(t, withNil, withEmpty, "a missing predecessor hashes the same whether nil or empty")
}

func TestComputeAuditEventHashNormalizesTimezone(t *testing.T) {
	payload := []byte(`{}`)
	utc := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	shifted := utc.In(time.FixedZone("UTC+2", 2*60*60))

	a := ComputeAuditEventHash(utc, "user-1", "user.created", "user", "u-1", payload, nil)
	b := ComputeAuditEventHash(shifted, "user-1", "user.created", "user", "u-1", payload, nil)

	assert.Equal(t, a, b, "the same instant must hash identically regardless of the wall-clock zone")
}
