package session

import (
	"os"
	"time"
)

// Config controls credential lifecycle policy.
type Config struct {
	// RefreshSkew is how long before the recorded expiry a token counts as
	// expiring. Wide enough to absorb clock edges between "checked" and "used".
	RefreshSkew time.Duration
}

// DefaultConfig returns the stock lifecycle policy.
func DefaultConfig() Config {
	return Config{
		RefreshSkew: 120 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - RELAY_AUTH_REFRESH_SKEW (Go duration string)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("RELAY_AUTH_REFRESH_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshSkew = d
	}

	return cfg, nil
}
