package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "unit-test-jwt-secret-that-is-long-enough"

var allEnvKeys = []string{
	"HTTP_ADDR",
	"DATABASE_URL",
	"JWT_SECRET",
	"JWT_ISSUER",
	"ACCESS_TOKEN_TTL",
	"REFRESH_TOKEN_TTL",
	"AUTO_MIGRATE",
	"REQUIRE_TLS",
	"OBJECT_STORE_PUBLIC_BASE_URL",
	"OBJECT_STORE_BUCKET",
	"OBJECT_STORE_SIGN_SECRET",
	"OBJECT_STORE_INVENTORY_URL",
	"ATTACHMENT_UPLOAD_URL_TTL",
	"ATTACHMENT_DOWNLOAD_URL_TTL",
	"RECONCILE_STALE_AFTER",
	"RECONCILE_SCAN_LIMIT",
	"RECONCILE_SCHEDULE_ENABLED",
	"RECONCILE_SCHEDULE_INTERVAL",
	"RECONCILE_SCHEDULE_RUN_ON_STARTUP",
	"RECONCILE_SCHEDULE_ACTOR_EMAIL",
	"SEARCH_RESULT_LIMIT",
	"NOTIFICATION_RETENTION_DAYS",
	"SMTP_HOST",
	"SMTP_PORT",
	"SMTP_USERNAME",
	"SMTP_PASSWORD",
	"SMTP_FROM",
}

// resetEnv blanks every variable Load reads so tests never inherit
// configuration from the machine they run on.
func resetEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	resetEnv(t)
	t.Setenv("JWT_SECRET", testJWTSecret)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	resetEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/elnote")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	resetEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/elnote")
	t.Setenv("JWT_SECRET", "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 characters")
}

func TestLoadDefaults(t *testing.T) {
	resetEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/elnote")
	t.Setenv("JWT_SECRET", testJWTSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "elnote-api", cfg.JWTIssuer)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.True(t, cfg.AutoMigrate)
	assert.False(t, cfg.RequireTLS)
	assert.Equal(t, "http://localhost:9000", cfg.ObjectStorePublicBaseURL)
	assert.Equal(t, "elnote", cfg.ObjectStoreBucket)
	assert.Equal(t, testJWTSecret, cfg.ObjectStoreSignSecret, "sign secret falls back to the JWT secret")
	assert.Empty(t, cfg.ObjectStoreInventoryURL)
	assert.Equal(t, 15*time.Minute, cfg.AttachmentUploadURLTTL)
	assert.Equal(t, 15*time.Minute, cfg.AttachmentDownloadURLTTL)
	assert.Equal(t, 24*time.Hour, cfg.DefaultReconcileStaleAfter)
	assert.Equal(t, 500, cfg.DefaultReconcileScanLimit)
	assert.True(t, cfg.ReconcileScheduleEnabled)
	assert.Equal(t, 24*time.Hour, cfg.ReconcileScheduleInterval)
	assert.False(t, cfg.ReconcileScheduleRunOnStart)
	assert.Equal(t, "labadmin", cfg.ReconcileScheduleActorEmail)
	assert.Equal(t, 50, cfg.SearchResultLimit)
	assert.Equal(t, 90, cfg.NotificationRetentionDays)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Empty(t, cfg.SMTPHost)
}

func TestLoadOverrides(t *testing.T) {
	resetEnv(t)
	t.Setenv("DATABASE_URL", "postgres://db.internal/elnote")
	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("HTTP_ADDR", ":9443")
	t.Setenv("JWT_ISSUER", "elnote-staging")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("REQUIRE_TLS", "true")
	t.Setenv("OBJECT_STORE_SIGN_SECRET", "object-store-secret")
	t.Setenv("OBJECT_STORE_INVENTORY_URL", "http://minio.internal/inventory")
	t.Setenv("RECONCILE_STALE_AFTER", "6h")
	t.Setenv("RECONCILE_SCAN_LIMIT", "200")
	t.Setenv("RECONCILE_SCHEDULE_ENABLED", "false")
	t.Setenv("SMTP_HOST", "smtp.lab.example")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_FROM", "elnote@lab.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.HTTPAddr)
	assert.Equal(t, "elnote-staging", cfg.JWTIssuer)
	assert.Equal(t, 5*time.Minute, cfg.AccessTokenTTL)
	assert.False(t, cfg.AutoMigrate)
	assert.True(t, cfg.RequireTLS)
	assert.Equal(t, "object-store-secret", cfg.ObjectStoreSignSecret)
	assert.Equal(t, "http://minio.internal/inventory", cfg.ObjectStoreInventoryURL)
	assert.Equal(t, 6*time.Hour, cfg.DefaultReconcileStaleAfter)
	assert.Equal(t, 200, cfg.DefaultReconcileScanLimit)
	assert.False(t, cfg.ReconcileScheduleEnabled)
	assert.Equal(t, "smtp.lab.example", cfg.SMTPHost)
	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.Equal(t, "elnote@lab.example", cfg.SMTPFrom)
}

func TestLoadFallsBackOnBadValues(t *testing.T) {
	resetEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/elnote")
	t.Setenv("JWT_SECRET", testJWTSecret)
	t.Setenv("ACCESS_TOKEN_TTL", "not-a-duration")
	t.Setenv("AUTO_MIGRATE", "not-a-bool")
	t.Setenv("SEARCH_RESULT_LIMIT", "not-a-number")
	t.Setenv("RECONCILE_SCAN_LIMIT", "-5")
	t.Setenv("RECONCILE_SCHEDULE_INTERVAL", "-1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 50, cfg.SearchResultLimit)
	assert.Equal(t, 500, cfg.DefaultReconcileScanLimit, "non-positive scan limits reset to the default")
	assert.Equal(t, 24*time.Hour, cfg.ReconcileScheduleInterval, "non-positive intervals reset to the default")
}

func TestLoadTrimsWhitespace(t *testing.T) {
	resetEnv(t)
	t.Setenv("DATABASE_URL", "  postgres://localhost/elnote  ")
	t.Setenv("JWT_SECRET", "  "+testJWTSecret+"  ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/elnote", cfg.DatabaseURL)
	assert.Equal(t, testJWTSecret, cfg.JWTSecret)
}
