// Package alerting evaluates alert rules against the latest samples.
//
// Every tick walks the enabled rules device by device. A rule whose
// condition holds is suppressed by an active maintenance window first and
// by its cooldown second. Otherwise a history row is recorded together with
// the new cooldown, and the event is dispatched once every device has been
// evaluated. Dispatch failures are logged and never undo the recorded
// trigger.
//
// Per rule and device the history moves through
//
//	idle -> triggered -> (acknowledged) -> resolved -> idle
//
// Acknowledge and resolve never dispatch and never touch the cooldown.
package alerting

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	defaults "github.com/xtxerr/bandwatch/config"
	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// SampleSource provides the latest sample of a series.
type SampleSource interface {
	Latest(ctx context.Context, dim types.Dimension, deviceID, key, subKey string) (types.Sample, bool, error)
}

// RuleStore is the part of the alert store the engine needs.
type RuleStore interface {
	EnabledConfigs(ctx context.Context) ([]alertstore.AlertConfig, error)
	ActiveMaintenance(ctx context.Context, deviceID string, now time.Time) ([]alertstore.MaintenanceWindow, error)
	GetCooldown(ctx context.Context, deviceID string, configID uint) (*alertstore.AlertCooldown, bool, error)
	RecordTrigger(ctx context.Context, h *alertstore.AlertHistory, cooldownUntil time.Time) error
	OpenHistory(ctx context.Context, configID uint, deviceID string) ([]alertstore.AlertHistory, error)
	Acknowledge(ctx context.Context, id uint, by string, at time.Time) (*alertstore.AlertHistory, error)
	Resolve(ctx context.Context, id uint, reason string, at time.Time) (*alertstore.AlertHistory, error)
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

// Options configures the engine.
type Options struct {
	// DefaultCooldown applies to rules without a cooldown override.
	DefaultCooldown time.Duration

	// DisableAutoResolve keeps history rows open after their condition
	// clears. By default they are resolved with AutoResolveReason.
	DisableAutoResolve bool
	AutoResolveReason  string

	// MaxSampleAge treats older latest samples as missing. Zero disables
	// the check.
	MaxSampleAge time.Duration

	// Workers bounds how many devices are evaluated at once.
	Workers int

	// Locker serializes evaluation per device.
	Locker   lease.Locker
	LeaseTTL time.Duration

	// Now is used by Acknowledge and Resolve. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.DefaultCooldown <= 0 {
		o.DefaultCooldown = defaults.DefaultCooldown
	}
	if o.AutoResolveReason == "" {
		o.AutoResolveReason = defaults.DefaultAutoResolveReason
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Locker == nil {
		o.Locker = lease.NewLocal()
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = defaults.DefaultLeaseTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Component("alerting")
	}
}

// TickResult reports one evaluation tick.
type TickResult struct {
	Time time.Time

	Evaluated             int // rules whose value was resolved
	Triggered             int
	SuppressedMaintenance int
	SuppressedCooldown    int
	MissingValue          int // no (fresh) sample for the rule's metric
	Resolved              int // history rows closed by auto-resolution

	SkippedDevices   int // lease held elsewhere
	Dispatched       int
	DispatchFailures int

	Errors []error
}

// Stats holds engine counters.
type Stats struct {
	Ticks                 int64
	Evaluated             int64
	Triggered             int64
	SuppressedMaintenance int64
	SuppressedCooldown    int64
	Resolved              int64
	DispatchFailures      int64
	Errors                int64
}

// Engine evaluates alert rules.
type Engine struct {
	samples    SampleSource
	rules      RuleStore
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	ticks                 atomic.Int64
	evaluated             atomic.Int64
	triggered             atomic.Int64
	suppressedMaintenance atomic.Int64
	suppressedCooldown    atomic.Int64
	resolved              atomic.Int64
	dispatchFailures      atomic.Int64
	errorCount            atomic.Int64
}

// New creates an engine. dispatcher may be nil, in which case triggers are
// recorded but not delivered.
func New(samples SampleSource, rules RuleStore, dispatcher Dispatcher, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		samples:    samples,
		rules:      rules,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     opts.Logger,
	}
}

// pending is a recorded trigger awaiting dispatch.
type pending struct {
	event    AlertEvent
	channels []uint
}

// deviceResult is the outcome of one device within a tick.
type deviceResult struct {
	TickResult
	pending []pending
}

// Tick evaluates every enabled rule at now.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickResult {
	e.ticks.Add(1)
	now = now.UTC()
	result := TickResult{Time: now}

	configs, err := e.rules.EnabledConfigs(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("load alert configs: %w", err))
		e.errorCount.Add(1)
		e.logger.Error("evaluation tick failed", "error", err)
		return result
	}

	// Rules arrive ordered by ID; grouping keeps that order per device.
	var devices []string
	byDevice := make(map[string][]alertstore.AlertConfig)
	for _, cfg := range configs {
		if _, ok := byDevice[cfg.DeviceID]; !ok {
			devices = append(devices, cfg.DeviceID)
		}
		byDevice[cfg.DeviceID] = append(byDevice[cfg.DeviceID], cfg)
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	results := make([]deviceResult, len(devices))
	for i, device := range devices {
		g.Go(func() error {
			results[i] = e.evaluateDevice(ctx, device, byDevice[device], now)
			return nil
		})
	}
	_ = g.Wait()

	var queued []pending
	for _, dr := range results {
		result.merge(dr.TickResult)
		queued = append(queued, dr.pending...)
	}

	slices.SortStableFunc(queued, func(a, b pending) int {
		if c := cmp.Compare(a.event.ConfigID, b.event.ConfigID); c != 0 {
			return c
		}
		return cmp.Compare(a.event.DeviceID, b.event.DeviceID)
	})
	for _, p := range queued {
		e.dispatch(ctx, p, &result)
	}

	e.record(result)

	level := slog.LevelDebug
	if result.Triggered > 0 || len(result.Errors) > 0 {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "evaluation tick finished",
		"rules", len(configs),
		"evaluated", result.Evaluated,
		"triggered", result.Triggered,
		"suppressed_maintenance", result.SuppressedMaintenance,
		"suppressed_cooldown", result.SuppressedCooldown,
		"resolved", result.Resolved,
		"errors", len(result.Errors))

	return result
}

func (r *TickResult) merge(o TickResult) {
	r.Evaluated += o.Evaluated
	r.Triggered += o.Triggered
	r.SuppressedMaintenance += o.SuppressedMaintenance
	r.SuppressedCooldown += o.SuppressedCooldown
	r.MissingValue += o.MissingValue
	r.Resolved += o.Resolved
	r.SkippedDevices += o.SkippedDevices
	r.Errors = append(r.Errors, o.Errors...)
}

func (e *Engine) record(r TickResult) {
	e.evaluated.Add(int64(r.Evaluated))
	e.triggered.Add(int64(r.Triggered))
	e.suppressedMaintenance.Add(int64(r.SuppressedMaintenance))
	e.suppressedCooldown.Add(int64(r.SuppressedCooldown))
	e.resolved.Add(int64(r.Resolved))
	e.dispatchFailures.Add(int64(r.DispatchFailures))
	e.errorCount.Add(int64(len(r.Errors)))
}

// evaluateDevice evaluates the rules of one device under its lease.
func (e *Engine) evaluateDevice(ctx context.Context, device string, configs []alertstore.AlertConfig, now time.Time) deviceResult {
	var dr deviceResult
	ctx = logging.ContextWithDevice(ctx, device)
	logger := e.logger.With("device", device)

	l, err := e.opts.Locker.TryAcquire(ctx, lease.Unit("evaluate", device), e.opts.LeaseTTL)
	if err != nil {
		if lease.IsHeld(err) {
			logger.Debug("device skipped, lease held")
			dr.SkippedDevices++
			return dr
		}
		dr.Errors = append(dr.Errors, fmt.Errorf("device %s: %w", device, err))
		return dr
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("lease release failed", "error", err)
		}
	}()

	ev := &deviceEval{engine: e, device: device, now: now, logger: logger, values: make(map[valueKey]valueEntry)}
	for i := range configs {
		if err := ctx.Err(); err != nil {
			dr.Errors = append(dr.Errors, err)
			break
		}
		ev.evaluate(ctx, &configs[i], &dr)
	}
	return dr
}

type valueKey struct {
	dim         types.Dimension
	key, subKey string
}

type valueEntry struct {
	sample types.Sample
	found  bool
}

// deviceEval holds per-device state of one tick.
type deviceEval struct {
	engine *Engine
	device string
	now    time.Time
	logger *slog.Logger

	values map[valueKey]valueEntry

	maintenance       []alertstore.MaintenanceWindow
	maintenanceLoaded bool
}

func (d *deviceEval) evaluate(ctx context.Context, cfg *alertstore.AlertConfig, dr *deviceResult) {
	e := d.engine
	logger := d.logger.With("alert_config_id", cfg.ID, "metric", cfg.MetricType)

	actual, ok, err := d.value(ctx, cfg.MetricType)
	if err != nil {
		dr.Errors = append(dr.Errors, fmt.Errorf("rule %d: %w", cfg.ID, err))
		logger.Warn("metric lookup failed", "error", err)
		return
	}
	if !ok {
		dr.MissingValue++
		logger.Debug("no value for metric")
		return
	}
	dr.Evaluated++

	if !cfg.ThresholdOperator.Compare(actual, cfg.ThresholdValue) {
		if !e.opts.DisableAutoResolve {
			d.autoResolve(ctx, cfg, dr, logger)
		}
		return
	}

	windows, err := d.activeMaintenance(ctx)
	if err != nil {
		dr.Errors = append(dr.Errors, fmt.Errorf("rule %d: %w", cfg.ID, err))
		return
	}
	if len(windows) > 0 {
		dr.SuppressedMaintenance++
		logger.Debug("trigger suppressed by maintenance", "window", windows[0].Name, "actual", actual)
		return
	}

	cd, found, err := e.rules.GetCooldown(ctx, d.device, cfg.ID)
	if err != nil {
		dr.Errors = append(dr.Errors, fmt.Errorf("rule %d: %w", cfg.ID, err))
		return
	}
	if found && cd.Active(d.now) {
		dr.SuppressedCooldown++
		logger.Debug("trigger suppressed by cooldown", "expires", cd.CooldownExpiresAt, "actual", actual)
		return
	}

	h := &alertstore.AlertHistory{
		TriggeredAt:       d.now,
		AlertConfigID:     cfg.ID,
		DeviceID:          d.device,
		MetricType:        cfg.MetricType,
		ThresholdValue:    cfg.ThresholdValue,
		ThresholdOperator: cfg.ThresholdOperator,
		ActualValue:       actual,
		Severity:          cfg.Severity,
		Message:           message(cfg, actual),
	}
	if err := e.rules.RecordTrigger(ctx, h, d.now.Add(cfg.Cooldown(e.opts.DefaultCooldown))); err != nil {
		dr.Errors = append(dr.Errors, fmt.Errorf("rule %d: %w", cfg.ID, err))
		logger.Error("recording trigger failed", "error", err)
		return
	}

	dr.Triggered++
	logger.Info("alert triggered", "history_id", h.ID, "actual", actual, "severity", cfg.Severity)

	dr.pending = append(dr.pending, pending{
		event: AlertEvent{
			HistoryID:   h.ID,
			ConfigID:    cfg.ID,
			ConfigName:  cfg.Name,
			DeviceID:    d.device,
			MetricType:  cfg.MetricType,
			Operator:    cfg.ThresholdOperator,
			Threshold:   cfg.ThresholdValue,
			ActualValue: actual,
			Severity:    cfg.Severity,
			Message:     h.Message,
			TriggeredAt: d.now,
		},
		channels: slices.Clone(cfg.ChannelIDs),
	})
}

// value resolves a metric type to the field of its latest sample.
func (d *deviceEval) value(ctx context.Context, metricType string) (float64, bool, error) {
	m, err := alertstore.ParseMetric(metricType)
	if err != nil {
		return 0, false, err
	}

	k := valueKey{dim: m.Dimension, key: m.Key, subKey: m.SubKey}
	entry, cached := d.values[k]
	if !cached {
		s, found, err := d.engine.samples.Latest(ctx, m.Dimension, d.device, m.Key, m.SubKey)
		if err != nil {
			return 0, false, err
		}
		if found && d.engine.opts.MaxSampleAge > 0 && d.now.Sub(s.Time) > d.engine.opts.MaxSampleAge {
			found = false
		}
		entry = valueEntry{sample: s, found: found}
		d.values[k] = entry
	}
	if !entry.found {
		return 0, false, nil
	}
	v, ok := entry.sample.Field(m.Field)
	return v, ok, nil
}

func (d *deviceEval) activeMaintenance(ctx context.Context) ([]alertstore.MaintenanceWindow, error) {
	if !d.maintenanceLoaded {
		windows, err := d.engine.rules.ActiveMaintenance(ctx, d.device, d.now)
		if err != nil {
			return nil, err
		}
		d.maintenance = windows
		d.maintenanceLoaded = true
	}
	return d.maintenance, nil
}

func (d *deviceEval) autoResolve(ctx context.Context, cfg *alertstore.AlertConfig, dr *deviceResult, logger *slog.Logger) {
	open, err := d.engine.rules.OpenHistory(ctx, cfg.ID, d.device)
	if err != nil {
		dr.Errors = append(dr.Errors, fmt.Errorf("rule %d: %w", cfg.ID, err))
		return
	}
	for _, h := range open {
		_, err := d.engine.rules.Resolve(ctx, h.ID, d.engine.opts.AutoResolveReason, d.now)
		switch {
		case err == nil:
			dr.Resolved++
			logger.Info("alert auto-resolved", "history_id", h.ID)
		case errors.Is(err, errors.ErrInvalidTransition):
			// Resolved concurrently by an operator.
		default:
			dr.Errors = append(dr.Errors, fmt.Errorf("resolve %d: %w", h.ID, err))
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, p pending, result *TickResult) {
	if e.dispatcher == nil {
		return
	}

	res, err := e.dispatcher.Dispatch(ctx, p.event, p.channels)
	result.Dispatched++
	if err != nil {
		failed := res.Failed()
		if failed == 0 {
			failed = max(len(p.channels), 1)
		}
		result.DispatchFailures += failed
		e.logger.Warn("alert dispatch failed",
			"history_id", p.event.HistoryID,
			"alert_config_id", p.event.ConfigID,
			"device", p.event.DeviceID,
			"delivered", res.Delivered,
			"error", err)
	}
}

func message(cfg *alertstore.AlertConfig, actual float64) string {
	name := cfg.Name
	if name == "" {
		name = cfg.MetricType
	}
	return fmt.Sprintf("[%s] %s on %s: %s = %g %s %g",
		cfg.Severity, name, cfg.DeviceID, cfg.MetricType, actual, cfg.ThresholdOperator, cfg.ThresholdValue)
}

// Acknowledge acknowledges a triggered alert.
func (e *Engine) Acknowledge(ctx context.Context, id uint, by string) (*alertstore.AlertHistory, error) {
	h, err := e.rules.Acknowledge(ctx, id, by, e.opts.Now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("alert acknowledged", "history_id", id, "by", by)
	return h, nil
}

// Resolve resolves a triggered or acknowledged alert.
func (e *Engine) Resolve(ctx context.Context, id uint, reason string) (*alertstore.AlertHistory, error) {
	if reason == "" {
		reason = "resolved by operator"
	}
	h, err := e.rules.Resolve(ctx, id, reason, e.opts.Now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("alert resolved", "history_id", id, "reason", reason)
	return h, nil
}

// PurgeHistory deletes history rows triggered before now-retention.
func (e *Engine) PurgeHistory(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := e.rules.DeleteHistoryBefore(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("alert history purged", "rows", n, "retention", retention)
	}
	return n, nil
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Ticks:                 e.ticks.Load(),
		Evaluated:             e.evaluated.Load(),
		Triggered:             e.triggered.Load(),
		SuppressedMaintenance: e.suppressedMaintenance.Load(),
		SuppressedCooldown:    e.suppressedCooldown.Load(),
		Resolved:              e.resolved.Load(),
		DispatchFailures:      e.dispatchFailures.Load(),
		Errors:                e.errorCount.Load(),
	}
}
