// Package config loads invokez settings from the environment (and optionally
// a YAML file) and builds a ready Provider from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all tracing configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Exporter ExporterConfig `yaml:"exporter"`
	Sampling SamplingConfig `yaml:"sampling"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LogConfig      `yaml:"logging"`
}

// ServiceConfig identifies the traced service.
type ServiceConfig struct {
	Name      string `envconfig:"INVOKEZ_SERVICE_NAME" default:"unknown_service" yaml:"name"`
	Version   string `envconfig:"INVOKEZ_SERVICE_VERSION" yaml:"version"`
	Namespace string `envconfig:"INVOKEZ_SERVICE_NAMESPACE" yaml:"namespace"`
}

// ExporterConfig configures the OTLP/HTTP exporter. An empty URL disables export.
type ExporterConfig struct {
	URL         string            `envconfig:"INVOKEZ_EXPORTER_URL" yaml:"url"`
	Headers     map[string]string `envconfig:"INVOKEZ_EXPORTER_HEADERS" yaml:"headers"`
	Token       string            `envconfig:"INVOKEZ_EXPORTER_TOKEN" yaml:"token"`
	AuthHeader  string            `envconfig:"INVOKEZ_EXPORTER_AUTH_HEADER" yaml:"auth_header"`
	Timeout     time.Duration     `envconfig:"INVOKEZ_EXPORTER_TIMEOUT" default:"5s" yaml:"timeout"`
	Compression string            `envconfig:"INVOKEZ_EXPORTER_COMPRESSION" default:"none" yaml:"compression"`
	RateLimit   float64           `envconfig:"INVOKEZ_EXPORTER_RATE_LIMIT" default:"0" yaml:"rate_limit"`
}

// SamplingConfig configures head sampling.
type SamplingConfig struct {
	Ratio        float64 `envconfig:"INVOKEZ_SAMPLING_RATIO" default:"1" yaml:"ratio"`
	AcceptRemote bool    `envconfig:"INVOKEZ_SAMPLING_ACCEPT_REMOTE" default:"true" yaml:"accept_remote"`
}

// RetryConfig bounds export retries.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"INVOKEZ_RETRY_MAX_ATTEMPTS" default:"3" yaml:"max_attempts"`
	MinWait     time.Duration `envconfig:"INVOKEZ_RETRY_MIN_WAIT" default:"100ms" yaml:"min_wait"`
	MaxWait     time.Duration `envconfig:"INVOKEZ_RETRY_MAX_WAIT" default:"1s" yaml:"max_wait"`
}

// LogConfig configures the tracer's own logger.
type LogConfig struct {
	Level       string `envconfig:"INVOKEZ_LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"INVOKEZ_LOG_DEV" default:"false" yaml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads the environment first, then overlays the YAML file at path.
// Keys present in the file take precedence over the environment.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name: "unknown_service",
		},
		Exporter: ExporterConfig{
			Timeout:     5 * time.Second,
			Compression: "none",
		},
		Sampling: SamplingConfig{
			Ratio:        1,
			AcceptRemote: true,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			MinWait:     100 * time.Millisecond,
			MaxWait:     time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validation errors.
var (
	ErrInvalidRatio       = errors.New("config: sampling ratio must be within [0, 1]")
	ErrInvalidAttempts    = errors.New("config: retry max attempts must be at least 1")
	ErrInvalidCompression = errors.New("config: compression must be none or gzip")
)

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if c.Sampling.Ratio < 0 || c.Sampling.Ratio > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidRatio, c.Sampling.Ratio)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidAttempts, c.Retry.MaxAttempts)
	}
	switch c.Exporter.Compression {
	case "", "none", "gzip":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidCompression, c.Exporter.Compression)
	}
	return nil
}
