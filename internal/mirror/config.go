package mirror

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cargohold-io/cargohold/internal/config"
)

// Default pacing between mirrored items. The destination tolerates bursts
// poorly; zero disables pacing entirely.
const DefaultPaceInterval = 120 * time.Millisecond

// Sentinel errors for mirror configuration.
var (
	// ErrMongoURIEmpty is returned when a mirror is constructed without a URI.
	ErrMongoURIEmpty = errors.New("mirror mongo uri cannot be empty")

	// ErrDatabaseNameEmpty is returned when the target database is blank.
	ErrDatabaseNameEmpty = errors.New("mirror database name cannot be empty")

	// ErrNegativePaceInterval is returned for a pacing interval below zero.
	ErrNegativePaceInterval = errors.New("mirror pace interval cannot be negative")
)

// Config holds document-mirror settings.
type Config struct {
	mongoURI     string
	Database     string
	PaceInterval time.Duration
}

// LoadConfig reads mirror settings from the environment. An empty
// CARGOHOLD_MIRROR_MONGO_URI means the mirror is not configured; callers
// check Enabled before constructing one.
func LoadConfig() *Config {
	return &Config{
		mongoURI:     config.GetEnvStr("CARGOHOLD_MIRROR_MONGO_URI", ""),
		Database:     config.GetEnvStr("CARGOHOLD_MIRROR_DATABASE", "cargohold"),
		PaceInterval: config.GetEnvDuration("CARGOHOLD_MIRROR_PACE", DefaultPaceInterval),
	}
}

// NewConfig creates a mirror config with the default database and pacing.
func NewConfig(mongoURI string) *Config {
	return &Config{
		mongoURI:     mongoURI,
		Database:     "cargohold",
		PaceInterval: DefaultPaceInterval,
	}
}

// Enabled reports whether a mirror URI was provided.
func (c *Config) Enabled() bool {
	return c.mongoURI != ""
}

// MongoURI returns the configured connection string.
func (c *Config) MongoURI() string {
	return c.mongoURI
}

// MaskMongoURI returns the URI safe for logging, with credentials redacted.
func (c *Config) MaskMongoURI() string {
	parsed, err := url.Parse(c.mongoURI)
	if err != nil {
		return "(unparseable uri)"
	}

	return parsed.Redacted()
}

// Validate checks the configuration for a mirror that is meant to run.
func (c *Config) Validate() error {
	if c.mongoURI == "" {
		return ErrMongoURIEmpty
	}

	if c.Database == "" {
		return ErrDatabaseNameEmpty
	}

	if c.PaceInterval < 0 {
		return fmt.Errorf("%w: got %s", ErrNegativePaceInterval, c.PaceInterval)
	}

	return nil
}
