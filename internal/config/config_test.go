package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen = %q", cfg.ListenAddr)
	}
	if cfg.GlobalDailyQuota != 1000000 {
		t.Errorf("daily quota = %d", cfg.GlobalDailyQuota)
	}
	if cfg.OperationTimeout != 120*time.Second {
		t.Errorf("op timeout = %v", cfg.OperationTimeout)
	}
	// No JWT_SECRET outside production falls back to the dev secret and
	// enables the dev token endpoint.
	if !cfg.DevTokens || cfg.JWTSecret == "" {
		t.Errorf("dev fallback not applied: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKERS", "16")
	t.Setenv("BRONZE_RESERVE", "0.25")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("DEV_TOKENS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 16 || cfg.BronzeReserve != 0.25 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.RetryInitialDelay != 250*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.RetryInitialDelay)
	}
}

func TestLoadRejectsProductionWithoutSecret(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("production config accepted without a jwt secret")
	}
}

func TestLoadRejectsBadBronzeReserve(t *testing.T) {
	t.Setenv("BRONZE_RESERVE", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("out-of-range bronze reserve accepted")
	}
}
