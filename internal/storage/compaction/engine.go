// Package compaction compresses partitions past their table's compression
// horizon into immutable Parquet files.
//
// A partition moves hot -> sealing -> compressed. Sealing makes the store
// reject upserts, the export writes every row to a Parquet file through a
// temp file and rename, and marking the partition compressed points the
// catalog at the file and drops the hot rows. A sweep interrupted after
// sealing leaves the partition in sealing; the next sweep resumes it.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/config"
	"github.com/xtxerr/bandwatch/internal/storage/parquet"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Store is the part of the sample store the engine needs.
type Store interface {
	ListPartitions(ctx context.Context, table types.Table) ([]types.PartitionInfo, error)
	Partition(ctx context.Context, p types.Partition) (types.PartitionInfo, bool, error)
	SealPartition(ctx context.Context, p types.Partition) error
	ExportPartition(ctx context.Context, p types.Partition) (parquet.FileResult, error)
	MarkCompressed(ctx context.Context, p types.Partition, res parquet.FileResult) error
	VerifyPartition(ctx context.Context, p types.Partition) error
}

// Options configures the engine.
type Options struct {
	Locker   lease.Locker
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// Engine runs compression sweeps.
type Engine struct {
	store  Store
	config *config.Config
	locker lease.Locker
	ttl    time.Duration
	logger *slog.Logger

	stats engineCounters
}

type engineCounters struct {
	jobsCompleted atomic.Int64
	jobsFailed    atomic.Int64
	rowsWritten   atomic.Int64
	bytesWritten  atomic.Int64
	lastRun       atomic.Int64 // unix seconds
}

// EngineStats holds engine statistics.
type EngineStats struct {
	JobsCompleted int64
	JobsFailed    int64
	RowsWritten   int64
	BytesWritten  int64
	LastRunTime   time.Time
}

// Job is the compression of one partition.
type Job struct {
	Partition types.Partition

	// Resume is set when the partition was left sealing by an earlier sweep.
	Resume bool
}

// JobResult is the outcome of one job.
type JobResult struct {
	Job  Job
	File parquet.FileResult
	Err  error
}

// TableResult reports one table of a sweep.
type TableResult struct {
	Table   types.Table
	Horizon time.Time // partitions ending before this are compressed
	DryRun  bool

	Jobs []JobResult

	// Skipped is set when another holder had the table's lease.
	Skipped bool

	Errors []error
}

// Compressed returns the number of partitions compressed.
func (r TableResult) Compressed() int {
	n := 0
	for _, j := range r.Jobs {
		if j.Err == nil {
			n++
		}
	}
	return n
}

// New creates a compression engine.
func New(store Store, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Locker == nil {
		opts.Locker = lease.NewLocal()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("compaction")
	}

	return &Engine{
		store:  store,
		config: cfg,
		locker: opts.Locker,
		ttl:    opts.LeaseTTL,
		logger: opts.Logger,
	}
}

// Due reports whether a partition is past the compression horizon.
// A zero horizon disables compression.
func Due(p types.Partition, now time.Time, compression time.Duration) bool {
	if compression <= 0 {
		return false
	}
	return p.End().Before(now.Add(-compression))
}

// Run sweeps every table.
func (e *Engine) Run(ctx context.Context, now time.Time) []TableResult {
	return e.run(ctx, now, false)
}

// DryRun reports which partitions Run would compress.
func (e *Engine) DryRun(ctx context.Context, now time.Time) []TableResult {
	return e.run(ctx, now, true)
}

func (e *Engine) run(ctx context.Context, now time.Time, dryRun bool) []TableResult {
	e.stats.lastRun.Store(now.Unix())

	var results []TableResult
	for _, table := range types.AllTables() {
		if ctx.Err() != nil {
			break
		}
		results = append(results, e.SweepTable(ctx, table, now, dryRun))
	}

	compressed, failed := 0, 0
	for _, r := range results {
		compressed += r.Compressed()
		failed += len(r.Errors)
	}
	e.logger.Info("compression sweep finished", "compressed", compressed, "errors", failed, "dry_run", dryRun)

	return results
}

// SweepTable compresses the due partitions of one table, oldest first.
// The context is checked between partitions.
func (e *Engine) SweepTable(ctx context.Context, table types.Table, now time.Time, dryRun bool) TableResult {
	policy := e.config.Retention.Policy(table)
	result := TableResult{
		Table:   table,
		Horizon: now.Add(-policy.Compression),
		DryRun:  dryRun,
	}
	if policy.Compression <= 0 {
		return result
	}

	l, err := e.locker.TryAcquire(ctx, lease.Unit("compression", table.String()), e.ttl)
	if err != nil {
		if lease.IsHeld(err) {
			result.Skipped = true
			return result
		}
		result.Errors = append(result.Errors, err)
		return result
	}
	defer l.Release(context.WithoutCancel(ctx))

	partitions, err := e.store.ListPartitions(ctx, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list partitions: %w", err))
		return result
	}

	for _, info := range partitions {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}

		var job Job
		switch {
		case info.State == types.StateSealing:
			// Resumed regardless of the horizon; writes are already refused.
			job = Job{Partition: info.Partition, Resume: true}
		case info.State == types.StateHot && Due(info.Partition, now, policy.Compression):
			job = Job{Partition: info.Partition}
		default:
			continue
		}

		if dryRun {
			result.Jobs = append(result.Jobs, JobResult{Job: job})
			continue
		}

		jr := e.RunJob(ctx, job)
		result.Jobs = append(result.Jobs, jr)
		if jr.Err != nil {
			result.Errors = append(result.Errors, jr.Err)
		}
	}

	return result
}

// RunJob compresses one partition.
func (e *Engine) RunJob(ctx context.Context, job Job) JobResult {
	res := JobResult{Job: job}
	p := job.Partition
	logger := e.logger.With("partition", p.String())

	fail := func(step string, err error) JobResult {
		e.stats.jobsFailed.Add(1)
		logger.Warn("compression failed", "step", step, "error", err)
		res.Err = fmt.Errorf("%s %s: %w", step, p, err)
		return res
	}

	if err := e.store.SealPartition(ctx, p); err != nil {
		return fail("seal", err)
	}

	file, err := e.store.ExportPartition(ctx, p)
	if err != nil {
		return fail("export", err)
	}

	if err := e.store.MarkCompressed(ctx, p, file); err != nil {
		e.removeOrphan(ctx, p, file.Path)
		return fail("mark compressed", err)
	}

	e.stats.jobsCompleted.Add(1)
	e.stats.rowsWritten.Add(file.Rows)
	e.stats.bytesWritten.Add(file.Bytes)
	logger.Info("partition compressed", "rows", file.Rows, "bytes", file.Bytes, "resumed", job.Resume)

	res.File = file
	return res
}

// removeOrphan deletes an exported file the catalog does not reference,
// e.g. when retention dropped the partition during the export.
func (e *Engine) removeOrphan(ctx context.Context, p types.Partition, path string) {
	info, found, err := e.store.Partition(context.WithoutCancel(ctx), p)
	if err != nil {
		return
	}
	if found && info.State == types.StateCompressed && info.File == path {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("remove orphaned partition file", "path", path, "error", err)
	}
}

// Verify re-checks the checksum of every compressed partition of a table.
func (e *Engine) Verify(ctx context.Context, table types.Table) []error {
	partitions, err := e.store.ListPartitions(ctx, table)
	if err != nil {
		return []error{err}
	}

	var errs []error
	for _, info := range partitions {
		if info.State != types.StateCompressed {
			continue
		}
		if err := e.store.VerifyPartition(ctx, info.Partition); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Stats returns engine statistics.
func (e *Engine) Stats() EngineStats {
	var last time.Time
	if ts := e.stats.lastRun.Load(); ts != 0 {
		last = time.Unix(ts, 0).UTC()
	}
	return EngineStats{
		JobsCompleted: e.stats.jobsCompleted.Load(),
		JobsFailed:    e.stats.jobsFailed.Load(),
		RowsWritten:   e.stats.rowsWritten.Load(),
		BytesWritten:  e.stats.bytesWritten.Load(),
		LastRunTime:   last,
	}
}
