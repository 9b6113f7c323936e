package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

// Store is the part of the alert store provisioning writes to.
type Store interface {
	ListChannels(ctx context.Context) ([]alertstore.NotificationChannel, error)
	CreateChannel(ctx context.Context, c *alertstore.NotificationChannel) error
	UpdateChannel(ctx context.Context, c *alertstore.NotificationChannel) error
	DeleteChannel(ctx context.Context, id uint) error

	ListConfigs(ctx context.Context) ([]alertstore.AlertConfig, error)
	CreateConfig(ctx context.Context, cfg *alertstore.AlertConfig) error
	UpdateConfig(ctx context.Context, cfg *alertstore.AlertConfig) error
	DeleteConfig(ctx context.Context, id uint) error
}

// Options configures a run.
type Options struct {
	// DryRun computes the entries without writing.
	DryRun bool

	Logger *slog.Logger
}

// =============================================================================
// Diff
// =============================================================================

type item[T any] struct {
	key    string
	hash   uint64
	source string
	id     uint
	v      T
	err    error
}

type step[T any] struct {
	Entry
	desired *item[T]
	actual  *item[T]
}

// diff calculates the steps that reconcile actual with desired. Desired
// entities come first in declaration order, deletions follow in database
// order.
func diff[T any](kind string, policy Policy, desired, actual []item[T]) []step[T] {
	byKey := make(map[string]*item[T], len(actual))
	for i := range actual {
		if _, dup := byKey[actual[i].key]; !dup {
			byKey[actual[i].key] = &actual[i]
		}
	}

	wanted := make(map[string]bool, len(desired))
	var steps []step[T]

	for i := range desired {
		d := &desired[i]
		wanted[d.key] = true
		s := step[T]{Entry: Entry{Kind: kind, Key: d.key}, desired: d}

		a, exists := byKey[d.key]
		switch {
		case d.err != nil:
			s.Action, s.Err = ActionSkip, d.err
		case !exists && policy.allowsCreate():
			s.Action, s.Reason = ActionCreate, "new entity"
		case !exists:
			s.Action, s.Reason = ActionSkip, "policy: "+string(policy)
		case a.hash == d.hash:
			s.actual = a
			s.Action, s.Reason = ActionSkip, "unchanged"
		case policy.allowsUpdate(a.source):
			s.actual = a
			s.Action, s.Reason = ActionUpdate, "content changed"
		default:
			s.actual = a
			s.Action, s.Reason = ActionSkip, fmt.Sprintf("policy: %s (source=%s)", policy, a.source)
		}
		steps = append(steps, s)
	}

	if policy.allowsDelete() {
		for i := range actual {
			a := &actual[i]
			if wanted[a.key] {
				continue
			}
			steps = append(steps, step[T]{
				Entry:  Entry{Kind: kind, Key: a.key, Action: ActionDelete, Reason: "not in yaml"},
				actual: a,
			})
		}
	}

	return steps
}

// =============================================================================
// Apply
// =============================================================================

// Apply reconciles the store with cfg. Entity failures are reported in the
// result; the returned error covers invalid config and store reads.
func Apply(ctx context.Context, store Store, cfg Config, opts Options) (Result, error) {
	res := Result{DryRun: opts.DryRun}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("provision")
	}

	policy := cfg.Policy
	if policy == "" {
		policy = PolicyCreateOnly
	}
	if policy == PolicyIgnore {
		return res, nil
	}
	if err := cfg.Validate(); err != nil {
		return res, err
	}

	channelIDs, err := applyChannels(ctx, store, policy, cfg.Channels, opts.DryRun, &res)
	if err != nil {
		return res, err
	}
	if err := applyRules(ctx, store, policy, cfg.Rules, channelIDs, opts.DryRun, &res); err != nil {
		return res, err
	}

	for _, e := range res.Entries {
		switch {
		case e.Err != nil:
			logger.Warn("provisioning failed", "kind", e.Kind, "name", e.Key, "action", e.Action, "error", e.Err)
		case e.Action != ActionSkip:
			logger.Info("provisioned", "kind", e.Kind, "name", e.Key, "action", e.Action, "dry_run", opts.DryRun)
		}
	}
	st := res.Stats()
	logger.Info("provisioning finished",
		"policy", policy,
		"creates", st.Creates,
		"updates", st.Updates,
		"deletes", st.Deletes,
		"failed", st.Failed,
		"dry_run", opts.DryRun)

	return res, nil
}

// applyChannels reconciles channels and returns the channel IDs by name
// after the run.
func applyChannels(ctx context.Context, store Store, policy Policy, specs []ChannelSpec, dryRun bool, res *Result) (map[string]uint, error) {
	existing, err := store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	ids := make(map[string]uint, len(existing))
	actual := make([]item[alertstore.NotificationChannel], len(existing))
	for i, c := range existing {
		ids[c.Name] = c.ID
		actual[i] = item[alertstore.NotificationChannel]{key: c.Name, hash: channelHash(&c), source: c.Source, id: c.ID, v: c}
	}

	desired := make([]item[alertstore.NotificationChannel], len(specs))
	for i, spec := range specs {
		c := spec.channel()
		desired[i] = item[alertstore.NotificationChannel]{key: c.Name, hash: channelHash(&c), v: c}
	}

	for _, s := range diff("channel", policy, desired, actual) {
		if !dryRun {
			switch s.Action {
			case ActionCreate:
				c := s.desired.v
				if s.Err = store.CreateChannel(ctx, &c); s.Err == nil {
					ids[c.Name] = c.ID
				}
			case ActionUpdate:
				c := s.desired.v
				c.ID = s.actual.id
				s.Err = store.UpdateChannel(ctx, &c)
			case ActionDelete:
				if s.Err = store.DeleteChannel(ctx, s.actual.id); s.Err == nil {
					delete(ids, s.Key)
				}
			}
		}
		res.Entries = append(res.Entries, s.Entry)
	}

	return ids, nil
}

func applyRules(ctx context.Context, store Store, policy Policy, specs []RuleSpec, channelIDs map[string]uint, dryRun bool, res *Result) error {
	existing, err := store.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list alert configs: %w", err)
	}

	actual := make([]item[alertstore.AlertConfig], len(existing))
	for i, c := range existing {
		actual[i] = item[alertstore.AlertConfig]{key: c.Name, hash: ruleHash(&c), source: c.Source, id: c.ID, v: c}
	}

	desired := make([]item[alertstore.AlertConfig], 0, len(specs))
	for _, spec := range specs {
		ids, err := resolveChannels(spec.Channels, channelIDs, dryRun)
		if err != nil {
			// Still desired, so an existing rule is kept.
			desired = append(desired, item[alertstore.AlertConfig]{key: spec.Name, err: err})
			continue
		}
		c := spec.config(ids)
		desired = append(desired, item[alertstore.AlertConfig]{key: c.Name, hash: ruleHash(&c), v: c})
	}

	for _, s := range diff("rule", policy, desired, actual) {
		if !dryRun {
			switch s.Action {
			case ActionCreate:
				c := s.desired.v
				s.Err = store.CreateConfig(ctx, &c)
			case ActionUpdate:
				c := s.desired.v
				c.ID = s.actual.id
				s.Err = store.UpdateConfig(ctx, &c)
			case ActionDelete:
				s.Err = store.DeleteConfig(ctx, s.actual.id)
			}
		}
		res.Entries = append(res.Entries, s.Entry)
	}

	return nil
}

// resolveChannels maps channel names to IDs. In a dry run, channels that
// would be created first resolve to zero.
func resolveChannels(names []string, ids map[string]uint, dryRun bool) ([]uint, error) {
	out := make([]uint, 0, len(names))
	for _, name := range names {
		id, ok := ids[name]
		if !ok && !dryRun {
			return nil, errors.NewInvalidValue("channels", name, "unknown channel")
		}
		out = append(out, id)
	}
	return out, nil
}
