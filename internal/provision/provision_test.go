package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

func openStore(t *testing.T) *alertstore.Store {
	t.Helper()
	s, err := alertstore.Open(context.Background(), alertstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func testConfig(policy Policy) Config {
	return Config{
		Policy: policy,
		Channels: []ChannelSpec{
			{Name: "noc-log", Type: alertstore.ChannelLog},
			{Name: "noc-hook", Type: alertstore.ChannelWebhook, Settings: map[string]string{"url": "http://hooks.local/noc"}},
		},
		Rules: []RuleSpec{
			{
				Name:      "fw1 cpu",
				Device:    "fw1",
				Metric:    "cpu",
				Operator:  ">",
				Threshold: 90,
				Severity:  "critical",
				Channels:  []string{"noc-log", "noc-hook"},
			},
			{
				Name:            "fw2 sessions",
				Device:          "fw2",
				Metric:          "sessions",
				Operator:        ">=",
				Threshold:       100000,
				Severity:        "warning",
				Channels:        []string{"noc-log"},
				CooldownSeconds: intPtr(60),
			},
		},
	}
}

func apply(t *testing.T, s *alertstore.Store, cfg Config, dryRun bool) Result {
	t.Helper()
	res, err := Apply(context.Background(), s, cfg, Options{DryRun: dryRun, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	return res
}

func ruleByName(t *testing.T, s *alertstore.Store, name string) alertstore.AlertConfig {
	t.Helper()
	rules, err := s.ListConfigs(context.Background())
	require.NoError(t, err)
	for _, r := range rules {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("rule %q not found", name)
	return alertstore.AlertConfig{}
}

func TestApplyCreates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	res := apply(t, s, testConfig(PolicyCreateOnly), false)
	st := res.Stats()
	assert.Equal(t, 4, st.Creates)
	assert.True(t, st.HasChanges())

	channels, err := s.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	for _, c := range channels {
		assert.Equal(t, alertstore.SourceYAML, c.Source)
		assert.True(t, c.Enabled)
	}

	cpu := ruleByName(t, s, "fw1 cpu")
	assert.Equal(t, alertstore.SourceYAML, cpu.Source)
	assert.Equal(t, []uint{channels[0].ID, channels[1].ID}, cpu.ChannelIDs)

	sessions := ruleByName(t, s, "fw2 sessions")
	require.NotNil(t, sessions.CooldownSeconds)
	assert.Equal(t, 60, *sessions.CooldownSeconds)
}

func TestApplyIsIdempotent(t *testing.T) {
	s := openStore(t)
	cfg := testConfig(PolicyFullSync)

	apply(t, s, cfg, false)
	res := apply(t, s, cfg, false)

	st := res.Stats()
	assert.False(t, st.HasChanges(), "second run: %+v", res.Entries)
	assert.Equal(t, 4, st.Skipped)
}

func TestApplyDryRun(t *testing.T) {
	s := openStore(t)

	res := apply(t, s, testConfig(PolicyCreateOnly), true)
	assert.True(t, res.DryRun)
	assert.Equal(t, 4, res.Stats().Creates)

	channels, err := s.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, channels)
	rules, err := s.ListConfigs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestApplyPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		source      string
		wantAction  Action
		wantThresh  float64
		wantDeleted bool
	}{
		{"create-only keeps yaml rule", PolicyCreateOnly, alertstore.SourceYAML, ActionSkip, 90, false},
		{"source-aware updates yaml rule", PolicySourceAware, alertstore.SourceYAML, ActionUpdate, 95, false},
		{"source-aware keeps api rule", PolicySourceAware, alertstore.SourceAPI, ActionSkip, 90, false},
		{"full-sync updates api rule", PolicyFullSync, alertstore.SourceAPI, ActionUpdate, 95, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			ctx := context.Background()

			apply(t, s, testConfig(PolicyCreateOnly), false)

			// Stamp the existing rule with the source under test.
			cpu := ruleByName(t, s, "fw1 cpu")
			cpu.Source = tt.source
			require.NoError(t, s.UpdateConfig(ctx, &cpu))

			// An orphan created through the API.
			orphan := alertstore.AlertConfig{
				Name: "manual", DeviceID: "fw9", MetricType: "cpu",
				ThresholdOperator: alertstore.OpGreater, Severity: alertstore.SeverityInfo,
				Enabled: true,
			}
			require.NoError(t, s.CreateConfig(ctx, &orphan))

			cfg := testConfig(tt.policy)
			cfg.Rules[0].Threshold = 95
			res := apply(t, s, cfg, false)

			var got Action
			for _, e := range res.Entries {
				if e.Kind == "rule" && e.Key == "fw1 cpu" {
					got = e.Action
				}
			}
			assert.Equal(t, tt.wantAction, got)
			assert.Equal(t, tt.wantThresh, ruleByName(t, s, "fw1 cpu").ThresholdValue)

			_, err := s.GetConfig(ctx, orphan.ID)
			if tt.wantDeleted {
				assert.True(t, errors.IsNotFound(err), "orphan should be deleted, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyUpdateAdoptsRule(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	existing := alertstore.AlertConfig{
		Name: "fw1 cpu", DeviceID: "fw1", MetricType: "cpu",
		ThresholdOperator: alertstore.OpGreater, ThresholdValue: 50,
		Severity: alertstore.SeverityInfo, Enabled: true,
	}
	require.NoError(t, s.CreateConfig(ctx, &existing))
	assert.Equal(t, alertstore.SourceAPI, existing.Source)

	apply(t, s, testConfig(PolicyFullSync), false)

	got, err := s.GetConfig(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, alertstore.SourceYAML, got.Source)
	assert.Equal(t, 90.0, got.ThresholdValue)
	assert.Equal(t, alertstore.SeverityCritical, got.Severity)
}

func TestApplyUnknownChannel(t *testing.T) {
	s := openStore(t)

	cfg := testConfig(PolicyCreateOnly)
	cfg.Rules[1].Channels = []string{"pager"}

	res, err := Apply(context.Background(), s, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)

	st := res.Stats()
	assert.Equal(t, 3, st.Creates)
	assert.Equal(t, 1, st.Failed)
	assert.True(t, errors.IsValidation(res.Err()))

	rules, err := s.ListConfigs(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestApplyChannelFromAPI(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	pager := alertstore.NotificationChannel{Name: "pager", Type: alertstore.ChannelLog, Enabled: true}
	require.NoError(t, s.CreateChannel(ctx, &pager))

	cfg := testConfig(PolicySourceAware)
	cfg.Rules[1].Channels = []string{"pager"}
	apply(t, s, cfg, false)

	assert.Equal(t, []uint{pager.ID}, ruleByName(t, s, "fw2 sessions").ChannelIDs)
}

func TestApplyIgnore(t *testing.T) {
	s := openStore(t)

	cfg := testConfig(PolicyIgnore)
	cfg.Rules[0].Operator = "~"

	res, err := Apply(context.Background(), s, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"bad policy", func(c *Config) { c.Policy = "merge" }, false},
		{"duplicate channel", func(c *Config) { c.Channels[1].Name = "noc-log" }, false},
		{"bad channel type", func(c *Config) { c.Channels[0].Type = "pagerduty" }, false},
		{"duplicate rule", func(c *Config) { c.Rules[1].Name = "fw1 cpu" }, false},
		{"unnamed rule", func(c *Config) { c.Rules[0].Name = "" }, false},
		{"bad metric", func(c *Config) { c.Rules[0].Metric = "client:" }, false},
		{"bad severity", func(c *Config) { c.Rules[0].Severity = "fatal" }, false},
		{"negative cooldown", func(c *Config) { c.Rules[1].CooldownSeconds = intPtr(-1) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(PolicyFullSync)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfigMerge(t *testing.T) {
	base := Config{Channels: []ChannelSpec{{Name: "a", Type: alertstore.ChannelLog}}}
	base.Merge(Config{
		Policy: PolicyFullSync,
		Rules:  []RuleSpec{{Name: "r"}},
	})

	assert.Equal(t, PolicyFullSync, base.Policy)
	assert.Len(t, base.Channels, 1)
	assert.Len(t, base.Rules, 1)

	base.Merge(Config{Policy: PolicyIgnore})
	assert.Equal(t, PolicyFullSync, base.Policy)
}

func TestRuleHash(t *testing.T) {
	a := testConfig(PolicyFullSync).Rules[0].config([]uint{1, 2})
	b := a
	assert.Equal(t, ruleHash(&a), ruleHash(&b))

	b.Source = alertstore.SourceAPI
	b.ID = 9
	assert.Equal(t, ruleHash(&a), ruleHash(&b), "source and id are not content")

	b.ChannelIDs = []uint{2, 1}
	assert.NotEqual(t, ruleHash(&a), ruleHash(&b))

	b.ChannelIDs = a.ChannelIDs
	b.CooldownSeconds = intPtr(0)
	assert.NotEqual(t, ruleHash(&a), ruleHash(&b))
}
