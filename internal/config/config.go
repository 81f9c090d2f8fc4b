// Package config defines service configuration and its loading rules.
//
// Configuration is layered: compiled-in defaults, then an optional YAML
// file named by GRADER_CONFIG, then GRADER_-prefixed environment
// variables, highest precedence last.
package config

import (
	"fmt"

	"github.com/ahrav/go-grader/internal/grading"
	"github.com/ahrav/go-grader/internal/mapping"
	"github.com/ahrav/go-grader/internal/pipeline"
	"github.com/ahrav/go-grader/internal/scheduler"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreDriver selects job persistence: memory or sqlite.
	StoreDriver string `koanf:"store_driver"`

	// StoreDSN is the sqlite database path; ignored for the memory driver.
	StoreDSN string `koanf:"store_dsn"`

	// ProgressBuffer is the per-subscriber event channel capacity.
	ProgressBuffer int `koanf:"progress_buffer"`

	// ProgressHistory bounds the per-job replay window.
	ProgressHistory int `koanf:"progress_history"`

	Scheduler scheduler.Config     `koanf:"scheduler"`
	Pipeline  pipeline.Config      `koanf:"pipeline"`
	Retry     grading.RetryConfig  `koanf:"retry"`
	Mapping   mapping.Config       `koanf:"mapping"`
	Judge     grading.ClientConfig `koanf:"judge"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:        "info",
		Addr:            ":8080",
		StoreDriver:     StoreMemory,
		StoreDSN:        "grader.db",
		ProgressBuffer:  64,
		ProgressHistory: 256,
		Scheduler:       scheduler.DefaultConfig(),
		Pipeline:        pipeline.DefaultConfig(),
		Retry:           grading.DefaultRetryConfig(),
		Mapping:         mapping.DefaultConfig(),
		Judge:           grading.DefaultClientConfig(),
	}
}

// Validate checks the top-level fields and every sub-config.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store driver: %s", c.StoreDriver)
	}
	if c.StoreDriver == StoreSQLite && c.StoreDSN == "" {
		return fmt.Errorf("store_dsn must not be empty for the sqlite driver")
	}
	if c.ProgressBuffer <= 0 {
		return fmt.Errorf("progress_buffer must be greater than 0, got %d", c.ProgressBuffer)
	}
	if c.ProgressHistory <= 0 {
		return fmt.Errorf("progress_history must be greater than 0, got %d", c.ProgressHistory)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Mapping.Validate(); err != nil {
		return fmt.Errorf("mapping: %w", err)
	}
	if err := c.Judge.Validate(); err != nil {
		return fmt.Errorf("judge: %w", err)
	}
	return nil
}
