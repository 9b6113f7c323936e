package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir == "" {
		t.Error("expected default data_dir")
	}

	if cfg.Retention.Raw.Retention <= 0 {
		t.Error("expected positive raw retention")
	}

	if cfg.Rollup.Interval != 30*time.Minute {
		t.Errorf("expected 30m rollup interval, got %v", cfg.Rollup.Interval)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	// Invalid: empty data_dir
	cfg := DefaultConfig()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty data_dir")
	}

	// Invalid: bad compression algorithm
	cfg = DefaultConfig()
	cfg.Compression.Algorithm = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid compression algorithm")
	}

	// Invalid: inverted lookback
	cfg = DefaultConfig()
	cfg.Rollup.LookbackStart = 30 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for lookback_start < lookback_end")
	}
}

func TestCompressionMustPrecedeRetention(t *testing.T) {
	tests := []struct {
		name   string
		policy TablePolicy
		valid  bool
	}{
		{"compression before retention", TablePolicy{Retention: 48 * time.Hour, Compression: 24 * time.Hour}, true},
		{"compression disabled", TablePolicy{Retention: 48 * time.Hour}, true},
		{"equal horizons", TablePolicy{Retention: 48 * time.Hour, Compression: 48 * time.Hour}, false},
		{"compression after retention", TablePolicy{Retention: 24 * time.Hour, Compression: 48 * time.Hour}, false},
		{"no retention", TablePolicy{}, false},
	}

	for _, tt := range tests {
		err := tt.policy.Validate()
		if tt.valid && err != nil {
			t.Errorf("%s: expected valid, got %v", tt.name, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	cfg := DefaultConfig()
	cfg.Retention.Tables = map[string]TablePolicy{
		"client/raw": {Retention: 24 * time.Hour, Compression: 72 * time.Hour},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for table override with compression >= retention")
	}
}

func TestRetentionPolicyOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention.Tables = map[string]TablePolicy{
		"client/raw": {Retention: 14 * 24 * time.Hour, Compression: 2 * 24 * time.Hour},
	}

	client := cfg.Retention.Policy(types.Table{Dimension: types.DimensionClient, Kind: types.KindRaw})
	if client.Retention != 14*24*time.Hour {
		t.Errorf("expected override retention, got %v", client.Retention)
	}

	app := cfg.Retention.Policy(types.Table{Dimension: types.DimensionApplication, Kind: types.KindRaw})
	if app != cfg.Retention.Raw {
		t.Errorf("expected raw default, got %+v", app)
	}

	hourly := cfg.Retention.Policy(types.Table{Dimension: types.DimensionClient, Kind: types.KindHourly})
	if hourly != cfg.Retention.Hourly {
		t.Errorf("expected hourly default, got %+v", hourly)
	}

	cfg.Retention.Tables["client/weekly"] = TablePolicy{Retention: time.Hour}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown table name")
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	configContent := `
data_dir: /tmp/bandwatch-test
compression:
  algorithm: snappy
  level: 0
retention:
  raw:
    retention: 72h
    compression: 24h
  tables:
    device_health/raw:
      retention: 168h
      compression: 0s
rollup:
  interval: 15m
query:
  timeout: 15s
  max_rows: 5000
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DataDir != "/tmp/bandwatch-test" {
		t.Errorf("expected data_dir=/tmp/bandwatch-test, got %s", cfg.DataDir)
	}
	if cfg.Retention.Raw.Retention != 72*time.Hour {
		t.Errorf("expected raw retention 72h, got %v", cfg.Retention.Raw.Retention)
	}
	if cfg.Retention.Hourly.Retention != 365*24*time.Hour {
		t.Errorf("expected default hourly retention to survive, got %v", cfg.Retention.Hourly.Retention)
	}
	if cfg.Rollup.Interval != 15*time.Minute {
		t.Errorf("expected rollup interval 15m, got %v", cfg.Rollup.Interval)
	}
	if cfg.Rollup.LookbackStart != 3*time.Hour {
		t.Errorf("expected default lookback_start, got %v", cfg.Rollup.LookbackStart)
	}

	health := cfg.Retention.Policy(types.Table{Dimension: types.DimensionDeviceHealth, Kind: types.KindRaw})
	if health.Compression != 0 || health.Retention != 168*time.Hour {
		t.Errorf("unexpected device_health policy %+v", health)
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	for _, dir := range []string{cfg.BadgerDir(), cfg.PartitionDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}
