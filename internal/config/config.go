// Package config loads the relay's environment-based configuration.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the relay.
type Config struct {
	// Realtime server websocket URL, e.g. wss://app.teamdesk.io/ws.
	ServerURL string `env:"RELAY_SERVER_URL"`

	// Liveness endpoint URL, e.g. https://app.teamdesk.io/api/health/db.
	HealthURL string `env:"RELAY_HEALTH_URL"`

	// Current user identity. The auth subsystem resolves it; the relay
	// only stamps it into outgoing frames.
	UserID   int64  `env:"RELAY_USER_ID"`
	Username string `env:"RELAY_USERNAME"`

	// Path to the local state database. Defaults to
	// ~/.teamdesk-relay/state.db when empty.
	StateDB string `env:"RELAY_STATE_DB" envDefault:""`

	// Device name this client identifies as. Defaults to hostname.
	DeviceName string `env:"RELAY_DEVICE_NAME"`

	// Metrics listener address. Empty disables the metrics endpoint.
	MetricsAddr string `env:"RELAY_METRICS_ADDR" envDefault:""`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "teamdesk-relay"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("RELAY_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("RELAY_SERVER_URL must be a ws:// or wss:// URL")
	}

	if c.HealthURL == "" {
		return fmt.Errorf("RELAY_HEALTH_URL is required")
	}

	if c.UserID <= 0 {
		return fmt.Errorf("RELAY_USER_ID is required")
	}

	if c.Username == "" {
		return fmt.Errorf("RELAY_USERNAME is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
