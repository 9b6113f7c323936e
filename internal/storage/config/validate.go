package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Badger
	if c.Badger.GCInterval < 0 {
		errs = append(errs, errors.New("badger.gc_interval must be non-negative"))
	}
	if c.Badger.GCInterval > 0 && (c.Badger.GCDiscardRatio <= 0 || c.Badger.GCDiscardRatio >= 1) {
		errs = append(errs, errors.New("badger.gc_discard_ratio must be between 0 and 1"))
	}

	// Compression
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, errors.New("compression.algorithm must be one of: snappy, zstd, lz4, none"))
	}
	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		errs = append(errs, errors.New("compression.level for zstd must be between 0 and 22"))
	}

	if c.PercentileAccuracy <= 0 || c.PercentileAccuracy >= 1 {
		errs = append(errs, errors.New("percentile_accuracy must be between 0 and 1"))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	// Rollup
	if err := c.Rollup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rollup: %w", err))
	}

	// Lifecycle
	if c.Lifecycle.RetentionInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.retention_interval must be positive"))
	}
	if c.Lifecycle.CompressionInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.compression_interval must be positive"))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks a single table policy.
func (p TablePolicy) Validate() error {
	var errs []error

	if p.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	if p.Compression < 0 {
		errs = append(errs, errors.New("compression must be non-negative"))
	}
	// Already-deleted data cannot be compressed.
	if p.Compression > 0 && p.Compression >= p.Retention {
		errs = append(errs, fmt.Errorf("compression (%s) must be < retention (%s)", p.Compression, p.Retention))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if err := c.Raw.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("raw: %w", err))
	}
	if err := c.Hourly.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hourly: %w", err))
	}
	for name, p := range c.Tables {
		if _, err := types.ParseTable(name); err != nil {
			errs = append(errs, fmt.Errorf("tables.%s: %w", name, err))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tables.%s: %w", name, err))
		}
	}

	// Rollups are derived from raw samples, so they must outlive them.
	for _, d := range types.AllDimensions() {
		raw := c.Policy(types.Table{Dimension: d, Kind: types.KindRaw})
		hourly := c.Policy(types.Table{Dimension: d, Kind: types.KindHourly})
		if hourly.Retention < raw.Retention {
			errs = append(errs, fmt.Errorf("%s: hourly retention should be >= raw retention", d))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.LookbackEnd < 0 {
		errs = append(errs, errors.New("lookback_end must be non-negative"))
	}
	if c.LookbackStart < c.LookbackEnd {
		errs = append(errs, errors.New("lookback_start must be >= lookback_end"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.BadgerDir(),
		c.PartitionDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// BadgerDir returns the badger directory path.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.DataDir, "hot")
}

// PartitionDir returns the root of compressed partition files.
func (c *Config) PartitionDir() string {
	return filepath.Join(c.DataDir, "partitions")
}
