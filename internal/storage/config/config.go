// Package config holds the storage configuration: data directory, badger
// tuning, per-table retention and compression policies, and engine
// schedules.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Badger tunes the hot partition store.
	Badger BadgerConfig `yaml:"badger"`

	// Compression configures Parquet compression of sealed partitions.
	Compression CompressionConfig `yaml:"compression"`

	// PercentileAccuracy is the DDSketch relative accuracy for p95 bandwidth.
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`

	// Retention defines retention and compression horizons per table.
	Retention RetentionConfig `yaml:"retention"`

	// Rollup configures the rollup engine.
	Rollup RollupConfig `yaml:"rollup"`

	// Lifecycle configures the retention and compression sweeps.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`
}

// BadgerConfig tunes the badger store.
type BadgerConfig struct {
	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is the value log GC interval. Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// TablePolicy holds the horizons of one table.
type TablePolicy struct {
	// Retention drops partitions whose end is older than now - Retention.
	Retention time.Duration `yaml:"retention"`

	// Compression compresses partitions whose end is older than
	// now - Compression. Zero disables compression.
	Compression time.Duration `yaml:"compression"`
}

// RetentionConfig defines retention per table kind with per-table overrides.
type RetentionConfig struct {
	// Raw applies to every raw table.
	Raw TablePolicy `yaml:"raw"`

	// Hourly applies to every hourly table.
	Hourly TablePolicy `yaml:"hourly"`

	// Tables overrides the policy of single tables, keyed "client/raw".
	Tables map[string]TablePolicy `yaml:"tables"`
}

// Policy returns the effective policy for a table.
func (c *RetentionConfig) Policy(t types.Table) TablePolicy {
	if p, ok := c.Tables[t.String()]; ok {
		return p
	}
	if t.Kind == types.KindHourly {
		return c.Hourly
	}
	return c.Raw
}

// RollupConfig configures the rollup engine.
type RollupConfig struct {
	// Interval is the run cadence.
	Interval time.Duration `yaml:"interval"`

	// LookbackStart and LookbackEnd bound the recomputed buckets:
	// [trunc(now - LookbackStart), trunc(now - LookbackEnd)].
	LookbackStart time.Duration `yaml:"lookback_start"`
	LookbackEnd   time.Duration `yaml:"lookback_end"`
}

// LifecycleConfig configures the lifecycle sweeps.
type LifecycleConfig struct {
	// RetentionInterval is the retention sweep cadence.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	// CompressionInterval is the compression sweep cadence.
	CompressionInterval time.Duration `yaml:"compression_interval"`

	// DryRun logs what retention would drop without deleting.
	DryRun bool `yaml:"dry_run"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaults.DefaultDataDir,
		Badger: BadgerConfig{
			GCInterval:     defaults.DefaultBadgerGCInterval,
			GCDiscardRatio: 0.5,
		},
		Compression: CompressionConfig{
			Algorithm: "zstd",
			Level:     defaults.DefaultCompressionLevel,
		},
		PercentileAccuracy: defaults.DefaultPercentileAccuracy,
		Retention: RetentionConfig{
			Raw: TablePolicy{
				Retention:   defaults.DefaultRawRetention,
				Compression: defaults.DefaultRawCompression,
			},
			Hourly: TablePolicy{
				Retention:   defaults.DefaultHourlyRetention,
				Compression: defaults.DefaultHourlyCompression,
			},
		},
		Rollup: RollupConfig{
			Interval:      defaults.DefaultRollupInterval,
			LookbackStart: defaults.DefaultRollupLookbackStart,
			LookbackEnd:   defaults.DefaultRollupLookbackEnd,
		},
		Lifecycle: LifecycleConfig{
			RetentionInterval:   defaults.DefaultRetentionInterval,
			CompressionInterval: defaults.DefaultCompressionInterval,
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     defaults.DefaultQueryTimeout,
			MaxRows:     defaults.DefaultQueryMaxRows,
		},
	}
}
