// Package config loads the sync daemon configuration.
//
// Settings come from corates.yaml in the data directory, created with defaults
// on first run. Secrets such as the access token come from a .env file next to
// it. Command line flags override both.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maruel/corates/internal/models"
)

// FileName is the configuration file name in the data directory.
const FileName = "corates.yaml"

// Retry bounds remote write attempts.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Validate checks the retry policy.
func (r *Retry) Validate() error {
	if r.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if r.Backoff < 0 {
		return errors.New("backoff must not be negative")
	}
	return nil
}

// Config is the daemon configuration.
type Config struct {
	// APIBaseURL is the root of the write API.
	APIBaseURL string `yaml:"api_base_url"`
	// ShapeURL is the shape stream endpoint.
	ShapeURL string `yaml:"shape_url"`
	// Tables lists the mirrored tables. Empty means all.
	Tables []models.TableName `yaml:"tables,omitempty"`
	// StrictSchema rejects rows with unknown or mistyped columns.
	StrictSchema bool `yaml:"strict_schema"`
	// Retry applies to remote writes.
	Retry Retry `yaml:"retry"`
	// StreamRetry paces shape reconnections.
	StreamRetry time.Duration `yaml:"stream_retry"`
	// LiveTimeout bounds one long poll.
	LiveTimeout time.Duration `yaml:"live_timeout"`
	LogLevel    string        `yaml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		APIBaseURL:  "http://localhost:8787",
		ShapeURL:    "http://localhost:8787/api/v1/shapes",
		Retry:       Retry{MaxAttempts: 3, Backoff: time.Second},
		StreamRetry: 5 * time.Second,
		LiveTimeout: time.Minute,
		LogLevel:    "info",
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	for name, v := range map[string]string{"api_base_url": c.APIBaseURL, "shape_url": c.ShapeURL} {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s: unsupported scheme %q", name, u.Scheme)
		}
	}
	for _, t := range c.Tables {
		if !slices.Contains(models.Tables, t) {
			return fmt.Errorf("tables: unknown table %q", t)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.StreamRetry <= 0 {
		return errors.New("stream_retry must be positive")
	}
	if c.LiveTimeout < 0 {
		return errors.New("live_timeout must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// MirroredTables returns Tables, or every table when empty.
func (c *Config) MirroredTables() []models.TableName {
	if len(c.Tables) == 0 {
		return slices.Clone(models.Tables)
	}
	return slices.Clone(c.Tables)
}

// Load reads dataDir/corates.yaml. A missing file is created with defaults.
// Fields absent from the file keep their default.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, FileName)
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Save writes the configuration to dataDir/corates.yaml.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600)
}

// LoadEnv reads dataDir/.env. A missing file yields an empty map.
func LoadEnv(dataDir string) (map[string]string, error) {
	env, err := godotenv.Read(filepath.Join(dataDir, ".env"))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return env, nil
}
