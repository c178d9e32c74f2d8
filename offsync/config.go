// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML and env-var string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the engine settings. It is read-only after Load returns.
type Config struct {
	// BaseURL is the root of the backend REST API.
	BaseURL string `yaml:"base_url" envconfig:"BASE_URL"`
	// DatabasePath locates the on-device SQLite file.
	DatabasePath string `yaml:"database_path" envconfig:"DATABASE_PATH"`
	// ProbeURL is the reachability endpoint used by the connectivity
	// monitor (a generate_204-style URL).
	ProbeURL string `yaml:"probe_url" envconfig:"PROBE_URL"`

	// ProbeInterval is the period between background reachability checks.
	ProbeInterval Duration `yaml:"probe_interval" envconfig:"PROBE_INTERVAL"`
	// ExpensiveTypes lists connection types treated as metered.
	ExpensiveTypes []string `yaml:"expensive_types" envconfig:"EXPENSIVE_TYPES"`

	// HTTPTimeout bounds every repository and synchronizer request.
	HTTPTimeout Duration `yaml:"http_timeout" envconfig:"HTTP_TIMEOUT"`
	// DrainLimit caps how many pending operations one drain cycle fetches.
	DrainLimit int `yaml:"drain_limit" envconfig:"DRAIN_LIMIT"`
	// MaxRetries is the attempt budget per operation before it is marked
	// permanently failed.
	MaxRetries int `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	// RetryBackoff is the delay table indexed by retry count; the last
	// value repeats for further attempts.
	RetryBackoff []Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`

	// CompletedRetention is how long completed operations are kept for
	// diagnostics before the maintenance sweep purges them.
	CompletedRetention Duration `yaml:"completed_retention" envconfig:"COMPLETED_RETENTION"`
}

// DefaultConfig returns the engine defaults for the given API base URL and
// database path.
func DefaultConfig(baseURL, databasePath string) *Config {
	return &Config{
		BaseURL:       baseURL,
		DatabasePath:  databasePath,
		ProbeURL:      baseURL + "/health",
		ProbeInterval: Duration(15 * time.Second),
		HTTPTimeout:   Duration(30 * time.Second),
		DrainLimit:    50,
		MaxRetries:    5,
		RetryBackoff: []Duration{
			Duration(1 * time.Second),
			Duration(3 * time.Second),
			Duration(10 * time.Second),
			Duration(30 * time.Second),
			Duration(60 * time.Second),
		},
		CompletedRetention: Duration(7 * 24 * time.Hour),
	}
}

// LoadConfig loads configuration with precedence defaults → YAML file →
// OFFSYNC_* environment variables. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig("", "roadtrip-offline.db")

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process("offsync", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url must be set")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must be set")
	}
	if c.DrainLimit <= 0 {
		return fmt.Errorf("drain_limit must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if len(c.RetryBackoff) == 0 {
		return fmt.Errorf("retry_backoff must not be empty")
	}
	return nil
}

// backoffFor returns the delay before the next attempt given how many
// retries the operation has already consumed. The last table entry
// repeats.
func (c *Config) backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(c.RetryBackoff) {
		return c.RetryBackoff[len(c.RetryBackoff)-1].Std()
	}
	return c.RetryBackoff[retryCount].Std()
}
