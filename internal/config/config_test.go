package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QCFRACTAL_ENV", "development")
	t.Setenv("QCFRACTAL_JWT_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7777" {
		t.Errorf("expected default HTTP addr, got %s", cfg.HTTPAddr)
	}
	if cfg.DefaultRetryBudget != 3 {
		t.Errorf("expected default retry budget 3, got %d", cfg.DefaultRetryBudget)
	}
	if cfg.HeartbeatMaxMissed != 3 {
		t.Errorf("expected default heartbeat max missed 3, got %d", cfg.HeartbeatMaxMissed)
	}
}

func TestLoadRequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("QCFRACTAL_ENV", "production")
	t.Setenv("QCFRACTAL_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWT secret missing in production")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QCFRACTAL_ENV", "development")
	t.Setenv("QCFRACTAL_HTTP_ADDR", ":9999")
	t.Setenv("QCFRACTAL_HEARTBEAT_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("expected overridden HTTP addr, got %s", cfg.HTTPAddr)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected overridden heartbeat interval, got %s", cfg.HeartbeatInterval)
	}
}
