package importer

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a reusable run profile loaded from a YAML file, so operators
// can keep per-environment import settings (batch size, filters, mirror
// pacing) under version control instead of retyping flags.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type Profile struct {
	BatchSize      int    `yaml:"batch_size"`
	OnlyCollection string `yaml:"only_collection"`
	Upsert         bool   `yaml:"upsert"`
	ChunkRetries   uint64 `yaml:"chunk_retries"`

	// MirrorDelayMS paces per-item writes into the secondary document
	// store. 0 disables the delay (provider-side rate limiting assumed).
	MirrorDelayMS int `yaml:"mirror_delay_ms"`
}

// ErrProfileNotFound is returned when the profile file does not exist.
var ErrProfileNotFound = errors.New("import profile not found")

// LoadProfile reads a run profile from a YAML file.
//
// Unlike optional config files, a profile named explicitly on the command
// line must exist: a typo silently importing everything with defaults is
// worse than an error.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, path)
		}

		return nil, fmt.Errorf("failed to read import profile: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse import profile %s: %w", path, err)
	}

	if profile.BatchSize < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, profile.BatchSize)
	}

	return &profile, nil
}

// Apply overlays the profile onto opts, leaving flag-supplied values in
// place where the profile is silent.
func (p *Profile) Apply(opts *Options) {
	if p.BatchSize > 0 {
		opts.BatchSize = p.BatchSize
	}

	if p.OnlyCollection != "" {
		opts.OnlyCollection = p.OnlyCollection
	}

	if p.Upsert {
		opts.Upsert = true
	}

	if p.ChunkRetries > 0 {
		opts.ChunkRetries = p.ChunkRetries
	}
}
