// Package rollup recomputes hourly rollups from raw samples.
//
// Every run recomputes the buckets of a trailing lookback window for each
// dimension table and overwrites whatever rows the buckets held before.
// Late samples therefore converge into the rollups on a later run. Buckets
// that fail are remembered and retried on the next run even after they
// slide out of the window.
package rollup

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/aggregate"
	"github.com/xtxerr/bandwatch/internal/storage/samplestore"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Store is the part of the sample store the engine needs.
type Store interface {
	Range(ctx context.Context, q samplestore.RangeQuery) iter.Seq2[types.Sample, error]
	ReplaceRollupBucket(ctx context.Context, dim types.Dimension, hour time.Time, rollups []types.HourlyRollup) error
}

// Options configures the engine.
type Options struct {
	// Dimensions to roll up. Defaults to all dimensions.
	Dimensions []types.Dimension

	// LookbackStart and LookbackEnd bound the recomputed buckets to
	// [trunc(now-LookbackStart), trunc(now-LookbackEnd)].
	LookbackStart time.Duration
	LookbackEnd   time.Duration

	// Accuracy is the relative accuracy of the p95 sketch.
	Accuracy float64

	// Locker serializes runs per table. Defaults to an in-process table.
	Locker   lease.Locker
	LeaseTTL time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if len(o.Dimensions) == 0 {
		o.Dimensions = types.AllDimensions()
	}
	if o.LookbackStart <= 0 {
		o.LookbackStart = 3 * time.Hour
	}
	if o.LookbackEnd <= 0 {
		o.LookbackEnd = time.Hour
	}
	if o.Accuracy <= 0 {
		o.Accuracy = aggregate.DefaultAccuracy
	}
	if o.Locker == nil {
		o.Locker = lease.NewLocal()
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.Component("rollup")
	}
}

// BucketError is the failure of one bucket recompute.
type BucketError struct {
	Dimension types.Dimension
	Hour      time.Time
	Err       error
}

func (e BucketError) Error() string {
	return e.Dimension.String() + " bucket " + e.Hour.Format(time.RFC3339) + ": " + e.Err.Error()
}

func (e BucketError) Unwrap() error { return e.Err }

// TableResult reports one table of a run.
type TableResult struct {
	Table   types.Table
	Buckets int // buckets written
	Empty   int // buckets without raw samples
	Rows    int // rollup rows written

	// Skipped is set when another holder had the table's lease.
	Skipped bool

	Errors []BucketError
}

// RunResult reports a run over all tables.
type RunResult struct {
	From, To time.Time // first and last bucket of the window
	Tables   []TableResult
}

// Errors returns every bucket failure of the run.
func (r RunResult) Errors() []BucketError {
	var out []BucketError
	for _, t := range r.Tables {
		out = append(out, t.Errors...)
	}
	return out
}

// Rows returns the number of rollup rows written.
func (r RunResult) Rows() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// Stats holds engine counters.
type Stats struct {
	Runs           int64
	BucketsWritten int64
	BucketsFailed  int64
	RowsWritten    int64
	Pending        int // failed buckets awaiting retry
}

// Engine recomputes hourly rollups.
type Engine struct {
	store  Store
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	failed map[types.Dimension]map[int64]struct{} // unix hour starts

	runs           atomic.Int64
	bucketsWritten atomic.Int64
	bucketsFailed  atomic.Int64
	rowsWritten    atomic.Int64
}

// New creates a rollup engine.
func New(store Store, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		failed: make(map[types.Dimension]map[int64]struct{}),
	}
}

// Window returns the first and last bucket start recomputed by a run at now.
func (e *Engine) Window(now time.Time) (from, to time.Time) {
	return types.TruncateHour(now.Add(-e.opts.LookbackStart)), types.TruncateHour(now.Add(-e.opts.LookbackEnd))
}

// Run recomputes the lookback window of every table, plus buckets that
// failed on earlier runs. Tables run concurrently.
func (e *Engine) Run(ctx context.Context, now time.Time) RunResult {
	e.runs.Add(1)
	from, to := e.Window(now)
	window := types.HourBuckets(from, to)

	result := RunResult{From: from, To: to, Tables: make([]TableResult, len(e.opts.Dimensions))}

	var g errgroup.Group
	for i, dim := range e.opts.Dimensions {
		g.Go(func() error {
			hours := e.withPending(dim, window)
			result.Tables[i] = e.runTable(ctx, dim, hours)
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("rollup run finished",
		"from", from,
		"to", to,
		"rows", result.Rows(),
		"errors", len(result.Errors()))

	return result
}

// Backfill recomputes every bucket of one dimension in [from, to]. It
// takes the same table lease as Run.
func (e *Engine) Backfill(ctx context.Context, dim types.Dimension, from, to time.Time) (TableResult, error) {
	if !dim.Valid() {
		return TableResult{}, errors.NewInvalidValue("dimension", dim, "unknown dimension")
	}
	from, to = types.TruncateHour(from), types.TruncateHour(to)
	if to.Before(from) {
		return TableResult{}, errors.NewValidation("range", "to is before from")
	}

	res := e.runTable(ctx, dim, types.HourBuckets(from, to))
	if res.Skipped {
		return res, errors.Wrapf(errors.ErrLeaseHeld, "backfill %s", res.Table)
	}
	return res, nil
}

func (e *Engine) runTable(ctx context.Context, dim types.Dimension, hours []time.Time) TableResult {
	table := types.Table{Dimension: dim, Kind: types.KindHourly}
	res := TableResult{Table: table}
	logger := e.logger.With("table", table.String())

	l, err := e.opts.Locker.TryAcquire(ctx, lease.Unit("rollup", table.String()), e.opts.LeaseTTL)
	if err != nil {
		if lease.IsHeld(err) {
			logger.Debug("table leased elsewhere, skipping")
			res.Skipped = true
			return res
		}
		logger.Warn("acquire lease failed", "error", err)
		for _, h := range hours {
			e.markFailed(dim, h)
		}
		res.Errors = append(res.Errors, BucketError{Dimension: dim, Err: err})
		return res
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release lease failed", "error", err)
		}
	}()

	for i, hour := range hours {
		if err := ctx.Err(); err != nil {
			// Keep the rest for the next run.
			for _, h := range hours[i:] {
				e.markFailed(dim, h)
			}
			res.Errors = append(res.Errors, BucketError{Dimension: dim, Hour: hour, Err: err})
			break
		}

		rows, err := e.recompute(ctx, dim, hour)
		switch {
		case err == nil:
			e.clearFailed(dim, hour)
			if rows == 0 {
				res.Empty++
				continue
			}
			res.Buckets++
			res.Rows += rows
			e.bucketsWritten.Add(1)
			e.rowsWritten.Add(int64(rows))

		case errors.IsConflict(err):
			// The hourly partition is already compressed. Retrying
			// cannot succeed.
			e.clearFailed(dim, hour)
			e.bucketsFailed.Add(1)
			res.Errors = append(res.Errors, BucketError{Dimension: dim, Hour: hour, Err: err})
			logger.Warn("bucket is in an immutable partition", "hour", hour, "error", err)

		default:
			e.markFailed(dim, hour)
			e.bucketsFailed.Add(1)
			res.Errors = append(res.Errors, BucketError{Dimension: dim, Hour: hour, Err: err})
			logger.Warn("bucket recompute failed, retrying next run", "hour", hour, "error", err)
		}
	}

	logger.Debug("table rolled up", "buckets", res.Buckets, "rows", res.Rows, "empty", res.Empty)
	return res
}

// recompute folds the raw samples of one bucket and replaces the bucket.
// A bucket without samples is left untouched.
func (e *Engine) recompute(ctx context.Context, dim types.Dimension, hour time.Time) (int, error) {
	bucket := aggregate.NewBucket(dim, hour, e.opts.Accuracy)

	q := samplestore.RangeQuery{
		Dimension: dim,
		From:      hour,
		To:        hour.Add(types.BucketSpan),
	}
	for s, err := range e.store.Range(ctx, q) {
		if err != nil {
			return 0, err
		}
		bucket.Process(&s)
	}

	rows := bucket.Results()
	if len(rows) == 0 {
		return 0, nil
	}
	if err := e.store.ReplaceRollupBucket(ctx, dim, hour, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// withPending merges remembered failures of dim into the window, oldest first.
func (e *Engine) withPending(dim types.Dimension, window []time.Time) []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[int64]struct{}, len(window))
	hours := make([]time.Time, 0, len(window)+len(e.failed[dim]))
	for _, h := range window {
		seen[h.Unix()] = struct{}{}
		hours = append(hours, h)
	}
	for ts := range e.failed[dim] {
		if _, ok := seen[ts]; !ok {
			hours = append(hours, time.Unix(ts, 0).UTC())
		}
	}
	slices.SortFunc(hours, func(a, b time.Time) int { return a.Compare(b) })
	return hours
}

func (e *Engine) markFailed(dim types.Dimension, hour time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed[dim] == nil {
		e.failed[dim] = make(map[int64]struct{})
	}
	e.failed[dim][hour.Unix()] = struct{}{}
}

func (e *Engine) clearFailed(dim types.Dimension, hour time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failed[dim], hour.Unix())
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := 0
	for _, hours := range e.failed {
		pending += len(hours)
	}
	e.mu.Unlock()

	return Stats{
		Runs:           e.runs.Load(),
		BucketsWritten: e.bucketsWritten.Load(),
		BucketsFailed:  e.bucketsFailed.Load(),
		RowsWritten:    e.rowsWritten.Load(),
		Pending:        pending,
	}
}
