// Package config defines the YAML configuration of bandwatchd.
//
//	storage:       data directory, badger, retention, rollup, lifecycle, query
//	database:      alert store (SQLite)
//	alerting:      evaluation interval, cooldown, auto-resolve, history retention
//	lease:         lease TTL, in-process or database-backed
//	scheduler:     background task pool
//	api:           HTTP listener
//	logging:       level and format
//	provisioning:  alert rules and channels declared in YAML
//	include:       additional files contributing provisioning entities
package config

import (
	"time"

	defaults "github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/provision"
	storageconfig "github.com/xtxerr/bandwatch/internal/storage/config"
)

// Config is the root configuration of bandwatchd.
type Config struct {
	Storage   storageconfig.Config `yaml:"storage"`
	Database  DatabaseConfig       `yaml:"database"`
	Alerting  AlertingConfig       `yaml:"alerting"`
	Lease     LeaseConfig          `yaml:"lease"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	API       APIConfig            `yaml:"api"`
	Logging   LoggingConfig        `yaml:"logging"`

	// Provisioning declares alert rules and notification channels.
	Provisioning provision.Config `yaml:"provisioning"`

	// Include lists additional config files to load.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// DatabaseConfig configures the alert store.
type DatabaseConfig struct {
	// Path is the SQLite file. Relative paths are resolved against
	// storage.data_dir.
	// Default: "alerts.db"
	Path string `yaml:"path"`

	// WAL enables SQLite write-ahead logging.
	// Default: true
	WAL bool `yaml:"wal"`

	// BusyTimeout is how long a writer waits for a locked database.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxOpenConns limits the connection pool.
	// Default: 4
	MaxOpenConns int `yaml:"max_open_conns"`
}

// AlertingConfig configures the evaluation engine.
type AlertingConfig struct {
	// Enabled schedules the evaluation and history retention tasks.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Interval is the evaluation tick.
	// Default: 1m
	Interval time.Duration `yaml:"interval"`

	// DefaultCooldown applies to rules without cooldown_seconds.
	// Default: 300s
	DefaultCooldown time.Duration `yaml:"default_cooldown"`

	// AutoResolve resolves open alerts once their condition clears.
	// Default: true
	AutoResolve bool `yaml:"auto_resolve"`

	// HistoryRetention drops history rows older than this. Zero keeps
	// history forever.
	// Default: 90d
	HistoryRetention time.Duration `yaml:"history_retention"`

	// MaxSampleAge treats older latest samples as missing. Zero accepts
	// any age.
	// Default: 0
	MaxSampleAge time.Duration `yaml:"max_sample_age"`

	// Workers is the number of devices evaluated at once.
	// Default: 4
	Workers int `yaml:"workers"`
}

// LeaseConfig configures per-unit leases.
type LeaseConfig struct {
	// TTL bounds how long a stuck run blocks its unit.
	// Default: 10m
	TTL time.Duration `yaml:"ttl"`

	// Shared stores leases in the alert database so several daemons on
	// one database serialize. Otherwise leases are in-process.
	// Default: false
	Shared bool `yaml:"shared"`
}

// SchedulerConfig configures the background task pool.
type SchedulerConfig struct {
	// Workers is the number of tasks that may run at once.
	// Default: 4
	Workers int `yaml:"workers"`

	// TaskTimeout bounds a task run without its own timeout.
	// Default: 15m
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// DrainTimeout is how long shutdown waits for running tasks.
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	// Listen is the HTTP listen address.
	// Default: "127.0.0.1:9170"
	Listen string `yaml:"listen"`

	// MaxBodyBytes limits request bodies.
	// Default: 8MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout is how long in-flight requests get on shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: *storageconfig.DefaultConfig(),
		Database: DatabaseConfig{
			Path:         "alerts.db",
			WAL:          true,
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
		},
		Alerting: AlertingConfig{
			Enabled:          true,
			Interval:         defaults.DefaultEvaluationInterval,
			DefaultCooldown:  defaults.DefaultCooldown,
			AutoResolve:      true,
			HistoryRetention: defaults.DefaultHistoryRetention,
			Workers:          4,
		},
		Lease: LeaseConfig{
			TTL: defaults.DefaultLeaseTTL,
		},
		Scheduler: SchedulerConfig{
			Workers:      defaults.DefaultSchedulerWorkers,
			TaskTimeout:  defaults.DefaultTaskTimeout,
			DrainTimeout: defaults.DefaultShutdownTimeout,
		},
		API: APIConfig{
			Listen:          defaults.DefaultListenAddress,
			MaxBodyBytes:    defaults.DefaultMaxBodyBytes,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: defaults.DefaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Provisioning: provision.Config{
			Policy: provision.PolicyCreateOnly,
		},
	}
}
