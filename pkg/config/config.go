package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the explicit engine configuration handed to each component at
// construction time. Nothing below this layer reads the environment.
type Config struct {
	// WorkingDir is where the sqlite-backed store lives.
	WorkingDir string `mapstructure:"working-dir"`
	// WorkerCount bounds per-record parallelism in extractors and the
	// loader's individual dispatch mode.
	WorkerCount int `mapstructure:"worker-count"`
	// BatchSize is the page size requested from sources during extraction.
	BatchSize int64 `mapstructure:"batch-size"`
	// LoaderPageSize is the pending-record page size used when a destination
	// stream does not declare its own batch size.
	LoaderPageSize int64 `mapstructure:"loader-page-size"`

	LogLevel  string   `mapstructure:"log-level"`
	LogFormat string   `mapstructure:"log-format"`
	LogPaths  []string `mapstructure:"log-paths"`
}

// Defaults returns the engine defaults prior to flag/env/file overrides.
func Defaults() Config {
	return Config{
		WorkingDir:     ".outflow",
		WorkerCount:    5,
		BatchSize:      1000,
		LoaderPageSize: 100,
		LogLevel:       "info",
		LogFormat:      "json",
		LogPaths:       []string{"stderr"},
	}
}

// Load decodes the resolved viper state into a Config, applying defaults
// for anything unset.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Defaults()

	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, fmt.Errorf("config: unable to decode configuration: %w", err)
	}

	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("config: worker-count must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("config: batch-size must be positive, got %d", cfg.BatchSize)
	}

	return &cfg, nil
}
