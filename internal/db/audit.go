package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

type AuditStore interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const auditChainAdvisoryLockKey int64 = 8_204_202_601

// AppendAuditEvent writes one hash-chained row to audit_log. When store is a
// transaction the row joins it; a bare *sql.DB gets a transaction of its own
// so the advisory lock has a scope to live in.
func AppendAuditEvent(
	ctx context.Context,
	store AuditStore,
	actorUserID string,
	eventType string,
	entityType string,
	entityID string,
	payload any,
) error {
	if db, ok := store.(*sql.DB); ok {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin standalone audit tx: %w", err)
		}
		defer tx.Rollback()

		if err := appendAuditEvent(ctx, tx, actorUserID, eventType, entityType, entityID, payload); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit standalone audit tx: %w", err)
		}
		return nil
	}
	return appendAuditEvent(ctx, store, actorUserID, eventType, entityType, entityID, payload)
}

func appendAuditEvent(
	ctx context.Context,
	store AuditStore,
	actorUserID string,
	eventType string,
	entityType string,
	entityID string,
	payload any,
) error {
	if _, err := store.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainAdvisoryLockKey); err != nil {
		return fmt.Errorf("acquire audit chain lock: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	payloadJSON, err = CanonicalizeAuditPayload(payloadJSON)
	if err != nil {
		return fmt.Errorf("canonicalize audit payload: %w", err)
	}

	var prevHash []byte
	err = store.QueryRowContext(ctx, `SELECT event_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load previous audit hash: %w", err)
	}
	if err == sql.ErrNoRows {
		prevHash = nil
	}

	// Postgres stores timestamptz at microsecond precision by default.
	// Truncate pre-hash to keep hash input deterministic across write/read.
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	eventHash := ComputeAuditEventHash(createdAt, actorUserID, eventType, entityType, entityID, payloadJSON, prevHash)

	_, err = store.ExecContext(ctx, `
		INSERT INTO audit_log (
			actor_user_id,
			event_type,
			entity_type,
			entity_id,
			payload,
			created_at,
			prev_hash,
			event_hash
		) VALUES (
			NULLIF($1, '')::uuid,
			$2,
			$3,
			NULLIF($4, '')::uuid,
			$5::jsonb,
			$6,
			$7,
			$8
		)
	`, actorUserID, eventType, entityType, entityID, string(payloadJSON), createdAt, prevHash, eventHash)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	return nil
}

// CanonicalizeAuditPayload applies RFC 8785 so writer and verifier agree on
// payload bytes even after a jsonb round trip reorders keys.
func CanonicalizeAuditPayload(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

// ComputeAuditEventHash is the single definition of the chain hash. The
// verifier must call this with the stored row's fields, never reimplement it.
func ComputeAuditEventHash(
	createdAt time.Time,
	actorUserID string,
	eventType string,
	entityType string,
	entityID string,
	canonicalPayload []byte,
	prevHash []byte,
) []byte {
	serialized := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s|%s",
		createdAt.UTC().Format(time.RFC3339Nano),
		actorUserID,
		eventType,
		entityType,
		entityID,
		string(canonicalPayload),
		hex.EncodeToString(prevHash),
	)
	sum := sha256.Sum256([]byte(serialized))
	return sum[:]
}
