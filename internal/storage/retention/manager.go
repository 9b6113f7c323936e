// Package retention drops whole partitions once they are past their
// table's retention horizon.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/config"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Store is the part of the sample store the manager needs.
type Store interface {
	ListPartitions(ctx context.Context, table types.Table) ([]types.PartitionInfo, error)
	DropPartition(ctx context.Context, p types.Partition) error
}

// Options configures the manager.
type Options struct {
	Locker   lease.Locker
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// Manager handles automatic cleanup of expired partitions.
type Manager struct {
	mu     sync.Mutex
	store  Store
	config *config.Config
	locker lease.Locker
	ttl    time.Duration
	logger *slog.Logger
	stats  ManagerStats
}

// CleanupResult holds the result of one table's sweep.
type CleanupResult struct {
	Table   types.Table
	Horizon time.Time // partitions ending before this are dropped
	DryRun  bool

	Dropped    []types.Partition
	BytesFreed int64

	// Kept counts live partitions inside the horizon.
	Kept int

	// Skipped is set when another holder had the table's lease.
	Skipped bool

	Errors []error
}

// ManagerStats holds manager statistics.
type ManagerStats struct {
	LastRunTime       time.Time
	PartitionsDropped int64
	BytesFreed        int64
	Errors            int64
}

// New creates a new retention manager.
func New(store Store, cfg *config.Config, opts Options) *Manager {
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
		opts.Logger = logging.Component("retention")
	}

	return &Manager{
		store:  store,
		config: cfg,
		locker: opts.Locker,
		ttl:    opts.LeaseTTL,
		logger: opts.Logger,
	}
}

// Expired reports whether p lies entirely before now - retention.
// A partition straddling the horizon is never expired.
func Expired(p types.Partition, now time.Time, retention time.Duration) bool {
	return p.End().Before(now.Add(-retention))
}

// RunCleanup sweeps every table. Deletion is skipped when the lifecycle
// config asks for a dry run.
func (m *Manager) RunCleanup(ctx context.Context, now time.Time) []CleanupResult {
	return m.run(ctx, now, m.config.Lifecycle.DryRun)
}

// DryRun reports what RunCleanup would drop without deleting anything.
func (m *Manager) DryRun(ctx context.Context, now time.Time) []CleanupResult {
	return m.run(ctx, now, true)
}

func (m *Manager) run(ctx context.Context, now time.Time, dryRun bool) []CleanupResult {
	var results []CleanupResult
	for _, table := range types.AllTables() {
		if ctx.Err() != nil {
			break
		}
		results = append(results, m.CleanupTable(ctx, table, now, dryRun))
	}

	m.mu.Lock()
	m.stats.LastRunTime = now
	m.mu.Unlock()

	dropped, errs := 0, 0
	for _, r := range results {
		dropped += len(r.Dropped)
		errs += len(r.Errors)
	}
	m.logger.Info("retention sweep finished", "dropped", dropped, "errors", errs, "dry_run", dryRun)

	return results
}

// CleanupTable sweeps a single table. The context is checked between
// partitions; partitions already dropped stay dropped.
func (m *Manager) CleanupTable(ctx context.Context, table types.Table, now time.Time, dryRun bool) CleanupResult {
	policy := m.config.Retention.Policy(table)
	result := CleanupResult{
		Table:   table,
		Horizon: now.Add(-policy.Retention),
		DryRun:  dryRun,
	}
	logger := m.logger.With("table", table.String())

	if policy.Retention <= 0 {
		return result
	}

	l, err := m.locker.TryAcquire(ctx, lease.Unit("retention", table.String()), m.ttl)
	if err != nil {
		if lease.IsHeld(err) {
			result.Skipped = true
			return result
		}
		result.Errors = append(result.Errors, err)
		return result
	}
	defer l.Release(context.WithoutCancel(ctx))

	partitions, err := m.store.ListPartitions(ctx, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list partitions: %w", err))
		return m.record(result)
	}

	for _, info := range partitions {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}

		p := info.Partition
		if info.State == types.StateDropped && info.Purged {
			continue
		}
		if !Expired(p, now, policy.Retention) {
			// An unfinished purge is completed even inside the horizon.
			if info.State != types.StateDropped {
				result.Kept++
				continue
			}
		}

		if dryRun {
			logger.Info("would drop partition", "partition", p.String(), "state", info.State.String())
			result.Dropped = append(result.Dropped, p)
			result.BytesFreed += info.Bytes
			continue
		}

		if err := m.store.DropPartition(ctx, p); err != nil {
			logger.Warn("drop partition failed", "partition", p.String(), "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("drop %s: %w", p, err))
			continue
		}

		logger.Info("dropped partition", "partition", p.String(), "state", info.State.String())
		result.Dropped = append(result.Dropped, p)
		result.BytesFreed += info.Bytes
	}

	return m.record(result)
}

func (m *Manager) record(result CleanupResult) CleanupResult {
	if result.DryRun {
		return result
	}
	m.mu.Lock()
	m.stats.PartitionsDropped += int64(len(result.Dropped))
	m.stats.BytesFreed += result.BytesFreed
	m.stats.Errors += int64(len(result.Errors))
	m.mu.Unlock()
	return result
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage holds the footprint of one table.
type DiskUsage struct {
	Hot        int
	Compressed int
	TotalSize  int64 // compressed file bytes
}

// GetDiskUsage returns the partition footprint of each table.
func (m *Manager) GetDiskUsage(ctx context.Context) (map[types.Table]DiskUsage, error) {
	usage := make(map[types.Table]DiskUsage)

	for _, table := range types.AllTables() {
		partitions, err := m.store.ListPartitions(ctx, table)
		if err != nil {
			return nil, err
		}

		var u DiskUsage
		for _, info := range partitions {
			switch info.State {
			case types.StateHot, types.StateSealing:
				u.Hot++
			case types.StateCompressed:
				u.Compressed++
				u.TotalSize += info.Bytes
			}
		}
		usage[table] = u
	}

	return usage, nil
}
