package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadForTest(t *testing.T) Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("DATABASE_URL", "")

	cfg := loadForTest(t)

	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.EventExchange != "payout_events" {
		t.Fatalf("expected default exchange, got %q", cfg.EventExchange)
	}
	if cfg.RedisRateLimitPrefix != "payout:rate_limit" {
		t.Fatalf("expected default prefix, got %q", cfg.RedisRateLimitPrefix)
	}
	if cfg.ClaimRateLimitPerMinute != 30 {
		t.Fatalf("expected default claim limit 30, got %d", cfg.ClaimRateLimitPerMinute)
	}
	if cfg.PayoutClaimLimitPerMin != 5 {
		t.Fatalf("expected default per-payout claim limit 5, got %d", cfg.PayoutClaimLimitPerMin)
	}
	if cfg.OutboxPollInterval() != 1200*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", cfg.OutboxPollInterval())
	}
	if cfg.ClaimReconcileAge() != 2*time.Minute {
		t.Fatalf("unexpected reconcile age %s", cfg.ClaimReconcileAge())
	}
	if cfg.ClaimReconcileSchedule != "@every 1m" || cfg.LedgerAuditSchedule != "@every 15m" {
		t.Fatalf("unexpected schedules %q %q", cfg.ClaimReconcileSchedule, cfg.LedgerAuditSchedule)
	}
	if cfg.CustodyEventsExchange != "custody_events" || cfg.CustodyEventsQueue != "payout_service_custody_status" {
		t.Fatalf("unexpected custody event wiring %q %q", cfg.CustodyEventsExchange, cfg.CustodyEventsQueue)
	}
	if cfg.DatabaseMaxConns != 50 || cfg.DatabaseMinConns != 5 {
		t.Fatalf("unexpected pool sizing %d/%d", cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("PORT", " 9100 ")

	cfg := loadForTest(t)
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	t.Setenv("CLAIM_RATE_LIMIT_PER_MINUTE", "-3")
	t.Setenv("CLAIM_RATE_LIMIT_PER_PAYOUT_MINUTE", "0")
	t.Setenv("OUTBOX_BATCH_SIZE", "0")
	t.Setenv("OUTBOX_WORKERS", "-1")
	t.Setenv("DATABASE_MAX_CONNS", "10")
	t.Setenv("DATABASE_MIN_CONNS", "25")
	t.Setenv("REDIS_RATE_LIMIT_PREFIX", "   ")
	t.Setenv("EVENT_EXCHANGE", "")
	t.Setenv("CLAIM_RECONCILE_AGE_SECONDS", "1")

	cfg := loadForTest(t)

	if cfg.ClaimRateLimitPerMinute != 30 {
		t.Fatalf("expected claim limit coerced to 30, got %d", cfg.ClaimRateLimitPerMinute)
	}
	if cfg.PayoutClaimLimitPerMin != 5 {
		t.Fatalf("expected per-payout claim limit coerced to 5, got %d", cfg.PayoutClaimLimitPerMin)
	}
	if cfg.OutboxBatchSize != 50 || cfg.OutboxWorkers != 4 {
		t.Fatalf("expected outbox defaults, got batch=%d workers=%d", cfg.OutboxBatchSize, cfg.OutboxWorkers)
	}
	if cfg.DatabaseMinConns != 10 {
		t.Fatalf("expected min conns clamped to 10, got %d", cfg.DatabaseMinConns)
	}
	if cfg.RedisRateLimitPrefix != "payout:rate_limit" {
		t.Fatalf("expected default prefix, got %q", cfg.RedisRateLimitPrefix)
	}
	if cfg.EventExchange != "payout_events" {
		t.Fatalf("expected default exchange, got %q", cfg.EventExchange)
	}
	if cfg.ClaimReconcileAge() != time.Minute {
		t.Fatalf("expected reconcile age raised to 1m, got %s", cfg.ClaimReconcileAge())
	}
}

func TestLoadConfig_TrimsSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "  s3cret \n")
	t.Setenv("INTERNAL_API_KEY", " internal ")
	t.Setenv("CUSTODY_API_BASE_URL", " https://custody.example.com ")

	cfg := loadForTest(t)
	if cfg.JWTSecret != "s3cret" {
		t.Fatalf("expected trimmed secret, got %q", cfg.JWTSecret)
	}
	if cfg.InternalAPIKey != "internal" {
		t.Fatalf("expected trimmed internal key, got %q", cfg.InternalAPIKey)
	}
	if cfg.CustodyAPIBaseURL != "https://custody.example.com" {
		t.Fatalf("expected trimmed custody url, got %q", cfg.CustodyAPIBaseURL)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: "https://app.example.com, ,http://localhost:3000"}
	want := []string{"https://app.example.com", "http://localhost:3000"}
	if got := cfg.AllowedOrigins(); !reflect.DeepEqual(got, want) {
		t.Fatalf("AllowedOrigins() = %v, want %v", got, want)
	}
}
