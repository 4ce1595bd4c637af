package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/cargohold-io/cargohold/internal/config"
)

// ErrDatabaseURLRequired indicates DATABASE_URL was not set.
var ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

// Config holds migrator settings.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig loads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, ErrDatabaseURLRequired
	}

	return cfg, nil
}

// String returns the configuration safe for logging, credentials redacted.
func (c *Config) String() string {
	masked := c.DatabaseURL

	if parsed, err := url.Parse(c.DatabaseURL); err == nil {
		masked = parsed.Redacted()
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}", masked, c.MigrationTable)
}
