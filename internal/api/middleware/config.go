package middleware

import (
	"time"

	"github.com/cargohold-io/cargohold/internal/config"
)

// Config holds rate limiter settings.
//
// Three sustained rates apply: a global cap across all callers, a per-caller
// rate for authenticated admin requests, and a lower per-caller rate for
// everything else. Burst capacity is always twice the sustained rate.
type Config struct {
	GlobalRPS int
	AdminRPS  int
	ClientRPS int

	CleanupInterval time.Duration
	MaxClients      int
}

// LoadConfig reads rate limiter settings from the environment with
// defaults sized for a single-node deployment.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("CARGOHOLD_GLOBAL_RPS", defaultGlobalRPS),
		AdminRPS:  config.GetEnvInt("CARGOHOLD_ADMIN_RPS", defaultAdminRPS),
		ClientRPS: config.GetEnvInt("CARGOHOLD_CLIENT_RPS", defaultClientRPS),
		CleanupInterval: config.GetEnvDuration(
			"CARGOHOLD_RATE_LIMIT_CLEANUP_INTERVAL", cleanupInterval,
		),
		MaxClients: config.GetEnvInt("CARGOHOLD_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
