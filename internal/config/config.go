// Package config loads the server configuration: YAML file with defaults,
// then environment overrides on top. A missing config file is not an error;
// the defaults run a complete local server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all turnforge server configuration.
type Config struct {
	// Core settings
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"` // development, staging, production

	// HTTP server
	HTTP HTTPConfig `yaml:"http"`

	// Turn execution
	Turns TurnsConfig `yaml:"turns"`

	// Distributed tracing
	Tracing TracingConfig `yaml:"tracing"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// TurnsConfig configures pipeline admission.
type TurnsConfig struct {
	// MaxConcurrent caps simultaneously executing turns; excess requests
	// are rejected, not queued.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// TracingConfig configures the OTLP exporter and sampling.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        "turnforge",
		Version:     "1.0.0",
		Environment: "development",

		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "120s",
			ShutdownTimeout: "15s",
		},

		Turns: TurnsConfig{
			MaxConcurrent: 3,
		},

		Tracing: TracingConfig{
			Enabled:      true,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   0.1,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotenv loads a .env file from the working directory when present.
// Real environment variables always win over .env entries.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Load loads configuration from a YAML file, starting from defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("TURNFORGE_HTTP_ADDR"); addr != "" {
		c.HTTP.Addr = addr
	}
	if env := os.Getenv("TURNFORGE_ENVIRONMENT"); env != "" {
		c.Environment = env
	}
	if level := os.Getenv("TURNFORGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if endpoint := os.Getenv("TURNFORGE_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.OTLPEndpoint = endpoint
	}
	if raw := os.Getenv("TURNFORGE_TRACING_ENABLED"); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			c.Tracing.Enabled = enabled
		}
	}
	if raw := os.Getenv("TURNFORGE_MAX_CONCURRENT_TURNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			c.Turns.MaxConcurrent = n
		}
	}
}

// GetReadTimeout returns the HTTP read timeout as a duration.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.ReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetWriteTimeout returns the HTTP write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.WriteTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown budget as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.ShutdownTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// ValidEnvironments lists the accepted deployment environments.
var ValidEnvironments = []string{"development", "staging", "production"}

// ValidLogLevels lists the accepted log levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if c.Turns.MaxConcurrent <= 0 {
		return fmt.Errorf("turns.max_concurrent must be > 0, got %d", c.Turns.MaxConcurrent)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1], got %g", c.Tracing.SampleRate)
	}

	valid := false
	for _, e := range ValidEnvironments {
		if c.Environment == e {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid environment: %s (valid: %v)", c.Environment, ValidEnvironments)
	}

	valid = false
	for _, l := range ValidLogLevels {
		if c.Logging.Level == l {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}
	return nil
}
