package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. It does not validate; callers
// apply flag overrides first and then call Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude merges the provisioning section of one file into cfg.
// Other sections of included files are ignored.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(partial.Include) > 0 {
		return fmt.Errorf("nested include is not supported")
	}

	cfg.Provisioning.Merge(partial.Provisioning)
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks the whole configuration and joins every problem found.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.NewMissingField("database.path"))
	}
	if c.Database.BusyTimeout < 0 {
		errs = append(errs, errors.NewInvalidValue("database.busy_timeout", c.Database.BusyTimeout, "must be non-negative"))
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, errors.NewInvalidValue("database.max_open_conns", c.Database.MaxOpenConns, "must be non-negative"))
	}

	if c.Alerting.Enabled && c.Alerting.Interval <= 0 {
		errs = append(errs, errors.NewInvalidValue("alerting.interval", c.Alerting.Interval, "must be positive"))
	}
	if c.Alerting.DefaultCooldown < 0 {
		errs = append(errs, errors.NewInvalidValue("alerting.default_cooldown", c.Alerting.DefaultCooldown, "must be non-negative"))
	}
	if c.Alerting.HistoryRetention < 0 {
		errs = append(errs, errors.NewInvalidValue("alerting.history_retention", c.Alerting.HistoryRetention, "must be non-negative"))
	}
	if c.Alerting.MaxSampleAge < 0 {
		errs = append(errs, errors.NewInvalidValue("alerting.max_sample_age", c.Alerting.MaxSampleAge, "must be non-negative"))
	}
	if c.Alerting.Workers < 1 {
		errs = append(errs, errors.NewInvalidValue("alerting.workers", c.Alerting.Workers, "must be at least 1"))
	}

	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.NewInvalidValue("lease.ttl", c.Lease.TTL, "must be positive"))
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.NewInvalidValue("scheduler.workers", c.Scheduler.Workers, "must be at least 1"))
	}

	if c.API.Listen == "" {
		errs = append(errs, errors.NewMissingField("api.listen"))
	}
	if c.API.MaxBodyBytes <= 0 {
		errs = append(errs, errors.NewInvalidValue("api.max_body_bytes", c.API.MaxBodyBytes, "must be positive"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, errors.NewInvalidValue("logging.format", c.Logging.Format, "must be text or json"))
	}

	if err := c.Provisioning.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("provisioning: %w", err))
	}

	return errors.Join(errs...)
}

// DatabasePath returns the alert store path, resolved against the data
// directory when relative.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.Storage.DataDir, c.Database.Path)
}
