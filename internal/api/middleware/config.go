// Package middleware provides HTTP middleware components for the Tickerflow API.
package middleware

import (
	"time"

	"github.com/tickerflow-io/tickerflow/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: applied to all requests
//   - Per-client: applied to authenticated requests
//   - Unauthenticated: applied to requests without a client ID
//
// Burst capacity allows temporary bursts above the sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst capacity overrides (0 = computed as 2 × rate)
	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback
// to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("TICKERFLOW_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("TICKERFLOW_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("TICKERFLOW_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("TICKERFLOW_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("TICKERFLOW_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("TICKERFLOW_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"TICKERFLOW_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("TICKERFLOW_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("TICKERFLOW_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
