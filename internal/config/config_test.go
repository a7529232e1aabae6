package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	if cfg.Port != "8090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Environment != "sandbox" {
		t.Errorf("Environment = %q, want sandbox default", cfg.Environment)
	}
	if cfg.RateLimits.Quotes != 120 || cfg.RateLimits.Trading != 60 {
		t.Errorf("RateLimits = %+v", cfg.RateLimits)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.InitialBackoff != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
}

func TestNewReadsEnvironment(t *testing.T) {
	t.Setenv("BROKER_CLIENT_ID", "env-client")
	t.Setenv("BROKER_ENV", "production")
	t.Setenv("PORT", "9999")

	cfg := New()
	if cfg.ClientID != "env-client" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.Environment != "production" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if cfg.Port != "9999" {
		t.Errorf("Port = %q", cfg.Port)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	t.Setenv("TEST_BROKER_SECRET", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
client_id: yaml-client
client_secret: ${TEST_BROKER_SECRET}
environment: production
rate_limits:
  trading: 30
retry:
  max_attempts: 2
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ClientID != "yaml-client" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.ClientSecret != "from-env" {
		t.Errorf("ClientSecret = %q, want env-expanded value", cfg.ClientSecret)
	}
	if cfg.RateLimits.Trading != 30 {
		t.Errorf("Trading limit = %d, want yaml override", cfg.RateLimits.Trading)
	}
	// Unspecified limits fall back to defaults.
	if cfg.RateLimits.Quotes != 120 {
		t.Errorf("Quotes limit = %d, want default 120", cfg.RateLimits.Quotes)
	}
	if cfg.Retry.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialBackoff != time.Second {
		t.Errorf("InitialBackoff = %v, want default", cfg.Retry.InitialBackoff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := New()
	cfg.ClientID = "client"
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg.ClientID = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing client id accepted")
	}

	cfg.ClientID = "client"
	cfg.Environment = "staging"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown environment accepted")
	}
}

func TestAddress(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: "8090"}
	if got := cfg.Address(); got != "0.0.0.0:8090" {
		t.Errorf("Address() = %q", got)
	}
}
