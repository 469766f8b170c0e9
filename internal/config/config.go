package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config holds the application configuration, loaded from FLEETLENS_*
// environment variables.
type Config struct {
	Port         int    `envconfig:"PORT" default:"8080"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./fleetlens.db"`
	JWTSecret    string `envconfig:"JWT_SECRET" default:"dev-only-secret"`

	// Bootstrap credential created when the api_keys table is empty, so a
	// fresh deployment can mint real keys through the API.
	BootstrapTenant string `envconfig:"BOOTSTRAP_TENANT" default:"default"`
	BootstrapKey    string `envconfig:"BOOTSTRAP_KEY"`

	// Derived-state and retention knobs.
	DefaultStuckThresholdSeconds int `envconfig:"DEFAULT_STUCK_THRESHOLD_SECONDS" default:"300"`
	RetentionDays                int `envconfig:"RETENTION_DAYS" default:"30"`
	HeartbeatRetentionDays       int `envconfig:"HEARTBEAT_RETENTION_DAYS" default:"3"`

	// Real-time connection limits.
	MaxConnsPerKey int `envconfig:"MAX_CONNS_PER_KEY" default:"5"`

	// Per-key ingestion rate limit.
	RateLimitPerSecond float64 `envconfig:"RATE_LIMIT_PER_SECOND" default:"50"`
	RateLimitBurst     int     `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("fleetlens", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
