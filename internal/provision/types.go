// Package provision reconciles alert rules and notification channels
// declared in YAML with the alert store.
//
// Each run follows the same loop:
//
//  1. Load desired state from the config file
//  2. Load actual state from the database
//  3. Diff both by name under the configured policy
//  4. Apply the changes, channels before rules
//
// Policies control how conflicts are resolved:
//
//   - create-only:   only create missing entities, never modify existing ones
//   - source-aware:  also update entities that were created from YAML
//   - full-sync:     YAML is authoritative, creates, updates and deletes
//   - ignore:        skip provisioning, the database is authoritative
package provision

import (
	"fmt"

	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/errors"
)

// =============================================================================
// Policies
// =============================================================================

// Policy defines how conflicts between YAML and database are handled.
type Policy string

const (
	// PolicyCreateOnly creates new entities but never modifies or deletes
	// existing ones. API changes are always preserved.
	PolicyCreateOnly Policy = "create-only"

	// PolicySourceAware updates only entities that were created from YAML.
	PolicySourceAware Policy = "source-aware"

	// PolicyFullSync treats YAML as the single source of truth. Entities
	// missing from YAML are deleted.
	PolicyFullSync Policy = "full-sync"

	// PolicyIgnore skips provisioning entirely.
	PolicyIgnore Policy = "ignore"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyCreateOnly, PolicySourceAware, PolicyFullSync, PolicyIgnore:
		return true
	}
	return false
}

func (p Policy) allowsCreate() bool { return p != PolicyIgnore }

func (p Policy) allowsUpdate(source string) bool {
	switch p {
	case PolicyFullSync:
		return true
	case PolicySourceAware:
		return source == alertstore.SourceYAML
	}
	return false
}

func (p Policy) allowsDelete() bool { return p == PolicyFullSync }

// =============================================================================
// Actions
// =============================================================================

// Action is the operation performed on one entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"
)

// =============================================================================
// Desired state
// =============================================================================

// Config is the provisioning section of the daemon config.
type Config struct {
	Policy   Policy        `yaml:"policy"`
	Channels []ChannelSpec `yaml:"channels"`
	Rules    []RuleSpec    `yaml:"rules"`
}

// ChannelSpec declares a notification channel.
type ChannelSpec struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Enabled  *bool             `yaml:"enabled"`
	Settings map[string]string `yaml:"settings"`
}

// RuleSpec declares an alert rule. Channels are referenced by name.
type RuleSpec struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Device          string   `yaml:"device"`
	Metric          string   `yaml:"metric"`
	Operator        string   `yaml:"operator"`
	Threshold       float64  `yaml:"threshold"`
	Severity        string   `yaml:"severity"`
	Enabled         *bool    `yaml:"enabled"`
	Channels        []string `yaml:"channels"`
	CooldownSeconds *int     `yaml:"cooldown_seconds"`
}

// Merge appends the entities of other. The policy of c wins unless empty.
func (c *Config) Merge(other Config) {
	if c.Policy == "" {
		c.Policy = other.Policy
	}
	c.Channels = append(c.Channels, other.Channels...)
	c.Rules = append(c.Rules, other.Rules...)
}

// Validate checks names, references and every declared entity.
func (c *Config) Validate() error {
	var errs []error

	if c.Policy != "" && !c.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("policy %q must be create-only, source-aware, full-sync or ignore", c.Policy))
	}

	channels := make(map[string]bool, len(c.Channels))
	for i, spec := range c.Channels {
		if channels[spec.Name] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate name %q", i, spec.Name))
		}
		channels[spec.Name] = true

		ch := spec.channel()
		if err := ch.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("channels[%d]: %w", i, err))
		}
	}

	rules := make(map[string]bool, len(c.Rules))
	for i, spec := range c.Rules {
		if spec.Name == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, errors.NewMissingField("name")))
		} else if rules[spec.Name] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate name %q", i, spec.Name))
		}
		rules[spec.Name] = true

		cfg := spec.config(nil)
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
		}
		// Channel names are resolved at apply time, they may come from the API.
	}

	return errors.Join(errs...)
}

func enabled(p *bool) bool { return p == nil || *p }

func (s ChannelSpec) channel() alertstore.NotificationChannel {
	return alertstore.NotificationChannel{
		Name:     s.Name,
		Type:     s.Type,
		Settings: s.Settings,
		Enabled:  enabled(s.Enabled),
		Source:   alertstore.SourceYAML,
	}
}

func (s RuleSpec) config(channelIDs []uint) alertstore.AlertConfig {
	return alertstore.AlertConfig{
		Name:              s.Name,
		Description:       s.Description,
		DeviceID:          s.Device,
		MetricType:        s.Metric,
		ThresholdValue:    s.Threshold,
		ThresholdOperator: alertstore.Operator(s.Operator),
		Severity:          alertstore.Severity(s.Severity),
		Enabled:           enabled(s.Enabled),
		ChannelIDs:        channelIDs,
		CooldownSeconds:   s.CooldownSeconds,
		Source:            alertstore.SourceYAML,
	}
}

// =============================================================================
// Results
// =============================================================================

// Entry is the decision for one entity.
type Entry struct {
	Kind   string // "channel" or "rule"
	Key    string
	Action Action
	Reason string
	Err    error
}

// Result reports a provisioning run.
type Result struct {
	DryRun  bool
	Entries []Entry
}

// Stats counts entries by action.
type Stats struct {
	Creates int
	Updates int
	Deletes int
	Skipped int
	Failed  int
}

// Stats counts the entries of r.
func (r Result) Stats() Stats {
	var s Stats
	for _, e := range r.Entries {
		if e.Err != nil {
			s.Failed++
			continue
		}
		switch e.Action {
		case ActionCreate:
			s.Creates++
		case ActionUpdate:
			s.Updates++
		case ActionDelete:
			s.Deletes++
		case ActionSkip:
			s.Skipped++
		}
	}
	return s
}

// HasChanges reports whether the run changed, or would change, anything.
func (s Stats) HasChanges() bool {
	return s.Creates > 0 || s.Updates > 0 || s.Deletes > 0
}

// Err joins the entry failures.
func (r Result) Err() error {
	var errs []error
	for _, e := range r.Entries {
		if e.Err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", e.Kind, e.Key, e.Err))
		}
	}
	return errors.Join(errs...)
}
