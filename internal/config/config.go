// Package config carries the engine tuning knobs. Defaults match the
// deployed constants; a YAML file can overlay any subset of them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the sync stack reads.
type Config struct {
	// LockTimeout is the lease validity window from last refresh.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// CursorDebounce bounds how often cursor moves are written out.
	CursorDebounce time.Duration `yaml:"cursor_debounce"`
	// HistoryMax caps the undo stack; oldest entries drop past it.
	HistoryMax int `yaml:"history_max"`
	// RetryBase is the first retry delay for transient write failures.
	RetryBase time.Duration `yaml:"retry_base"`
	// RetryMax caps the exponential retry delay. Attempts are unlimited.
	RetryMax time.Duration `yaml:"retry_max"`
}

// Default returns the deployed constants.
func Default() Config {
	return Config{
		LockTimeout:    10 * time.Second,
		CursorDebounce: 30 * time.Millisecond,
		HistoryMax:     100,
		RetryBase:      1 * time.Second,
		RetryMax:       30 * time.Second,
	}
}

// Load reads a YAML overlay on top of the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.CursorDebounce <= 0 {
		return fmt.Errorf("cursor_debounce must be positive, got %s", c.CursorDebounce)
	}
	if c.HistoryMax <= 0 {
		return fmt.Errorf("history_max must be positive, got %d", c.HistoryMax)
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry window %s..%s is invalid", c.RetryBase, c.RetryMax)
	}
	return nil
}
