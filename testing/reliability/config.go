// Package reliability stresses invocations under concurrency, slow exporters
// and abandoned spans. Tests are skipped unless INVOKEZ_RELIABILITY_LEVEL is
// "basic" or "stress".
package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Levels.
const (
	LevelBasic  = "basic"
	LevelStress = "stress"
)

// Config holds the reliability run settings.
type Config struct {
	Level         string        `envconfig:"INVOKEZ_RELIABILITY_LEVEL"`
	Duration      time.Duration `envconfig:"INVOKEZ_RELIABILITY_DURATION" default:"30s"`
	MaxGoroutines int           `envconfig:"INVOKEZ_RELIABILITY_MAX_GOROUTINES" default:"100"`
}

// load reads the configuration and skips t when no level is set.
func load(t *testing.T) Config {
	t.Helper()
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		t.Fatalf("reliability config: %v", err)
	}
	switch cfg.Level {
	case LevelBasic, LevelStress:
	default:
		t.Skip("set INVOKEZ_RELIABILITY_LEVEL=basic or stress")
	}
	if cfg.MaxGoroutines < 1 {
		cfg.MaxGoroutines = 1
	}
	return cfg
}

// rounds returns how long a test should keep generating load.
func (c Config) rounds() time.Duration {
	if c.Level == LevelStress {
		return c.Duration
	}
	return 2 * time.Second
}
