// Package config provides configuration defaults and utilities
// for the bandwatch daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via bandwatch.yaml or command line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: api.listen
	DefaultListenAddress = "127.0.0.1:9170"

	// DefaultMaxBodyBytes limits ingest request bodies to prevent OOM.
	// One collector batch per dimension is far below this.
	// Override via config: api.max_body_bytes
	DefaultMaxBodyBytes = 8 * 1024 * 1024

	// DefaultShutdownTimeout is how long in-flight requests and engine runs
	// get to finish on shutdown.
	// Override via config: api.shutdown_timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir holds the badger directory and compressed partitions.
	// Override via config: storage.data_dir
	DefaultDataDir = "/var/lib/bandwatch"

	// DefaultRawRetention is how long raw samples are kept.
	// Override via config: storage.retention.raw.retention
	DefaultRawRetention = 30 * 24 * time.Hour

	// DefaultRawCompression is the age after which raw partitions are
	// compressed. Must stay below DefaultRawRetention.
	// Override via config: storage.retention.raw.compression
	DefaultRawCompression = 7 * 24 * time.Hour

	// DefaultHourlyRetention is how long hourly rollups are kept.
	// Override via config: storage.retention.hourly.retention
	DefaultHourlyRetention = 365 * 24 * time.Hour

	// DefaultHourlyCompression is the age after which hourly partitions
	// are compressed.
	// Override via config: storage.retention.hourly.compression
	DefaultHourlyCompression = 30 * 24 * time.Hour

	// DefaultPercentileAccuracy is the DDSketch relative accuracy used for
	// the p95 bandwidth of rollups (0.01 = 1% error).
	// Override via config: storage.percentile_accuracy
	DefaultPercentileAccuracy = 0.01

	// DefaultCompressionLevel is the zstd level of compressed partitions.
	// Override via config: storage.compression.level
	DefaultCompressionLevel = 3

	// DefaultBadgerGCInterval is how often the badger value log is
	// garbage collected.
	// Override via config: storage.badger.gc_interval
	DefaultBadgerGCInterval = 10 * time.Minute
)

// =============================================================================
// Engine Schedule Defaults
// =============================================================================

const (
	// DefaultRollupInterval is how often hourly rollups are recomputed.
	// Override via config: storage.rollup.interval
	DefaultRollupInterval = 30 * time.Minute

	// DefaultRollupLookbackStart is the oldest bucket recomputed per run,
	// measured back from now.
	// Override via config: storage.rollup.lookback_start
	DefaultRollupLookbackStart = 3 * time.Hour

	// DefaultRollupLookbackEnd is the newest bucket recomputed per run.
	// The lag leaves room for late collector samples.
	// Override via config: storage.rollup.lookback_end
	DefaultRollupLookbackEnd = time.Hour

	// DefaultRetentionInterval is how often the retention sweep runs.
	// Override via config: storage.lifecycle.retention_interval
	DefaultRetentionInterval = time.Hour

	// DefaultCompressionInterval is how often the compression sweep runs.
	// Override via config: storage.lifecycle.compression_interval
	DefaultCompressionInterval = time.Hour

	// DefaultSchedulerWorkers is the number of tasks that may run at once.
	DefaultSchedulerWorkers = 4

	// DefaultSchedulerTickInterval is how often the scheduler checks for
	// due tasks.
	DefaultSchedulerTickInterval = time.Second

	// DefaultTaskTimeout bounds a single task run.
	DefaultTaskTimeout = 15 * time.Minute

	// DefaultEvaluationInterval is the alert evaluation tick.
	// Override via config: alerting.interval
	DefaultEvaluationInterval = time.Minute
)

// =============================================================================
// Alerting Defaults
// =============================================================================

const (
	// DefaultCooldown applies to rules without a cooldown override.
	// Override via config: alerting.default_cooldown
	DefaultCooldown = 300 * time.Second

	// DefaultHistoryRetention is how long alert history rows are kept.
	// Override via config: alerting.history_retention
	DefaultHistoryRetention = 90 * 24 * time.Hour

	// DefaultAutoResolveReason is recorded when a condition clears.
	DefaultAutoResolveReason = "auto: condition cleared"
)

// =============================================================================
// Lease Defaults
// =============================================================================

const (
	// DefaultLeaseTTL bounds how long a stuck engine run blocks its unit.
	// Expired leases are reclaimed by the next run.
	// Override via config: lease.ttl
	DefaultLeaseTTL = 10 * time.Minute
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryTimeout bounds a single dashboard query.
	// Override via config: storage.query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultQueryMaxRows caps rows returned by range queries.
	// Override via config: storage.query.max_rows
	DefaultQueryMaxRows = 100000

	// DefaultTopN is used when a top-N query gives no limit.
	DefaultTopN = 10
)
