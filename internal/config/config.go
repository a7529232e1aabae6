// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	Port string `yaml:"port"`
	Host string `yaml:"host"`

	// Broker OAuth settings
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	Scopes       string `yaml:"scopes"`
	Environment  string `yaml:"environment"` // "sandbox" or "production"

	// Database settings
	DBPath string `yaml:"db_path"`

	// EncryptionSecret protects refresh tokens at rest.
	EncryptionSecret string `yaml:"encryption_secret"`

	// Rate limit budgets (requests per 60-second window, per category).
	RateLimits RateLimits `yaml:"rate_limits"`

	// Retry settings for the transport layer.
	Retry Retry `yaml:"retry"`

	// AutoSyncInterval re-runs a full sync periodically when non-zero.
	AutoSyncInterval time.Duration `yaml:"auto_sync_interval"`

	// Environment
	IsDevelopment bool `yaml:"-"`
}

// RateLimits holds the per-category request budgets.
type RateLimits struct {
	Quotes       int `yaml:"quotes"`
	PriceHistory int `yaml:"price_history"`
	MarketData   int `yaml:"market_data"`
	Trading      int `yaml:"trading"`
}

// Retry holds transport retry tuning.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MinSpacing     time.Duration `yaml:"min_spacing"`
}

// New creates a new Config with values from environment variables or defaults.
func New() *Config {
	return &Config{
		Port:             getEnv("PORT", "8090"),
		Host:             getEnv("HOST", "localhost"),
		ClientID:         getEnv("BROKER_CLIENT_ID", ""),
		ClientSecret:     getEnv("BROKER_CLIENT_SECRET", ""),
		RedirectURI:      getEnv("BROKER_REDIRECT_URI", "https://127.0.0.1:8090/auth/callback"),
		Scopes:           getEnv("BROKER_SCOPES", "api"),
		Environment:      getEnv("BROKER_ENV", "sandbox"),
		DBPath:           getEnv("DB_PATH", filepath.Join("data", "brokersync.db")),
		EncryptionSecret: getEnv("ENCRYPTION_SECRET", "change-me-in-production-32chars!"),
		RateLimits:       DefaultRateLimits(),
		Retry:            DefaultRetry(),
		IsDevelopment:    getEnv("ENV", "development") == "development",
	}
}

// DefaultRateLimits returns the stock per-minute budgets.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Quotes:       120,
		PriceHistory: 120,
		MarketData:   120,
		Trading:      60,
	}
}

// DefaultRetry returns the stock retry policy.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MinSpacing:     200 * time.Millisecond,
	}
}

// Load reads a YAML config file, expands ${VAR} environment variables, and
// overlays it on the environment-based defaults.
func Load(path string) (*Config, error) {
	cfg := New()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left by a sparse config file.
func (c *Config) applyDefaults() {
	def := DefaultRateLimits()
	if c.RateLimits.Quotes <= 0 {
		c.RateLimits.Quotes = def.Quotes
	}
	if c.RateLimits.PriceHistory <= 0 {
		c.RateLimits.PriceHistory = def.PriceHistory
	}
	if c.RateLimits.MarketData <= 0 {
		c.RateLimits.MarketData = def.MarketData
	}
	if c.RateLimits.Trading <= 0 {
		c.RateLimits.Trading = def.Trading
	}

	defRetry := DefaultRetry()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defRetry.MaxAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = defRetry.InitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = defRetry.MaxBackoff
	}
	if c.Retry.MinSpacing <= 0 {
		c.Retry.MinSpacing = defRetry.MinSpacing
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required (set BROKER_CLIENT_ID)")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	if c.Environment != "sandbox" && c.Environment != "production" {
		return fmt.Errorf("environment must be sandbox or production, got %q", c.Environment)
	}
	return nil
}

// Address returns the full address to bind the server to.
func (c *Config) Address() string {
	return c.Host + ":" + c.Port
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
