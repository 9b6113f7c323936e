package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/config"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage"
)

var (
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "bandwatchd",
	Short:        "Firewall traffic telemetry store and alerting daemon",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return loadConfig(cmd)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "bandwatch.yaml", "config file path")
	flags.StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")
}

// loadConfig loads the config file, applies flag overrides, validates and
// initializes logging. A missing file means defaults.
func loadConfig(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = config.DefaultConfig()
	}

	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.InitWriter(os.Stderr, level, cfg.Logging.Format == "json")
	return nil
}

// =============================================================================
// Shared setup
// =============================================================================

func openRules(ctx context.Context) (*alertstore.Store, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	rules, err := alertstore.Open(ctx, alertstore.Config{
		Path:         cfg.DatabasePath(),
		EnableWAL:    cfg.Database.WAL,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	return rules, nil
}

// newLocker returns database-backed leases when shared, in-process
// leases otherwise.
func newLocker(ctx context.Context, rules *alertstore.Store) (lease.Locker, error) {
	if !cfg.Lease.Shared {
		return lease.NewLocal(), nil
	}
	m, err := lease.NewManager(ctx, rules.DB())
	if err != nil {
		return nil, fmt.Errorf("create lease manager: %w", err)
	}
	return m, nil
}

func openStorage(locker lease.Locker) (*storage.Service, error) {
	svc, err := storage.Open(&cfg.Storage, storage.Options{
		Locker:   locker,
		LeaseTTL: cfg.Lease.TTL,
		Logger:   logging.Component("storage"),
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return svc, nil
}
