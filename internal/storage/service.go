package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/lease"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/scheduler"
	"github.com/xtxerr/bandwatch/internal/storage/compaction"
	"github.com/xtxerr/bandwatch/internal/storage/config"
	"github.com/xtxerr/bandwatch/internal/storage/parquet"
	"github.com/xtxerr/bandwatch/internal/storage/query"
	"github.com/xtxerr/bandwatch/internal/storage/retention"
	"github.com/xtxerr/bandwatch/internal/storage/rollup"
	"github.com/xtxerr/bandwatch/internal/storage/samplestore"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Options configures the storage service.
type Options struct {
	// InMemory runs the hot store without disk (tests).
	InMemory bool

	// Locker coordinates engine runs. Defaults to an in-process table.
	Locker   lease.Locker
	LeaseTTL time.Duration

	Logger *slog.Logger
}

// Service is the main storage service that wires the store and its engines.
type Service struct {
	config *config.Config
	logger *slog.Logger

	// Components
	store      *samplestore.Store
	rollup     *rollup.Engine
	retention  *retention.Manager
	compaction *compaction.Engine
	query      *query.Service

	startTime time.Time
}

// Open validates the configuration, opens the sample store and creates
// the engines.
func Open(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfiguration("invalid storage config: %v", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	if opts.Locker == nil {
		opts.Locker = lease.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("storage")
	}

	pq := parquet.DefaultOptions()
	pq.Compression = parquet.ParseCompressionType(cfg.Compression.Algorithm)
	pq.CompressionLevel = cfg.Compression.Level

	store, err := samplestore.Open(samplestore.Options{
		Dir:          cfg.BadgerDir(),
		PartitionDir: cfg.PartitionDir(),
		InMemory:     opts.InMemory,
		SyncWrites:   cfg.Badger.SyncWrites,
		Parquet:      pq,
	})
	if err != nil {
		return nil, fmt.Errorf("open sample store: %w", err)
	}

	qry, err := query.New(cfg, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create query: %w", err)
	}

	return &Service{
		config: cfg,
		logger: opts.Logger,
		store:  store,
		rollup: rollup.New(store, rollup.Options{
			LookbackStart: cfg.Rollup.LookbackStart,
			LookbackEnd:   cfg.Rollup.LookbackEnd,
			Accuracy:      cfg.PercentileAccuracy,
			Locker:        opts.Locker,
			LeaseTTL:      opts.LeaseTTL,
		}),
		retention: retention.New(store, cfg, retention.Options{
			Locker:   opts.Locker,
			LeaseTTL: opts.LeaseTTL,
		}),
		compaction: compaction.New(store, cfg, compaction.Options{
			Locker:   opts.Locker,
			LeaseTTL: opts.LeaseTTL,
		}),
		query:     qry,
		startTime: time.Now(),
	}, nil
}

// Close closes the query service and the store.
func (s *Service) Close() error {
	var errs []error

	if err := s.query.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close query: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// Ingest upserts a batch of samples. Records are accepted or rejected
// individually.
func (s *Service) Ingest(ctx context.Context, batch []types.Sample) samplestore.IngestResult {
	return s.store.Ingest(ctx, batch)
}

// RunRollup recomputes the rollup window ending at now.
func (s *Service) RunRollup(ctx context.Context, now time.Time) rollup.RunResult {
	return s.rollup.Run(ctx, now)
}

// RunRetention runs the retention sweep over every table.
func (s *Service) RunRetention(ctx context.Context, now time.Time) []retention.CleanupResult {
	return s.retention.RunCleanup(ctx, now)
}

// RunCompression runs the compression sweep over every table.
func (s *Service) RunCompression(ctx context.Context, now time.Time) []compaction.TableResult {
	return s.compaction.Run(ctx, now)
}

// RunGC garbage collects the badger value log.
func (s *Service) RunGC(ctx context.Context) int {
	return s.store.RunGC(ctx, s.config.Badger.GCDiscardRatio)
}

// Tasks returns the periodic storage tasks for the scheduler.
func (s *Service) Tasks() []scheduler.Task {
	tasks := []scheduler.Task{
		{
			Name:       "rollup",
			Interval:   s.config.Rollup.Interval,
			RunOnStart: true,
			Fn: func(ctx context.Context, now time.Time) error {
				res := s.RunRollup(ctx, now)
				if errs := res.Errors(); len(errs) > 0 {
					return fmt.Errorf("%d rollup buckets failed: %w", len(errs), errs[0])
				}
				return nil
			},
		},
		{
			Name:     "compression",
			Interval: s.config.Lifecycle.CompressionInterval,
			Fn: func(ctx context.Context, now time.Time) error {
				return sweepErrors("compression", s.RunCompression(ctx, now), func(r compaction.TableResult) []error { return r.Errors })
			},
		},
		{
			Name:     "retention",
			Interval: s.config.Lifecycle.RetentionInterval,
			Fn: func(ctx context.Context, now time.Time) error {
				return sweepErrors("retention", s.RunRetention(ctx, now), func(r retention.CleanupResult) []error { return r.Errors })
			},
		},
	}

	if s.config.Badger.GCInterval > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:     "badger-gc",
			Interval: s.config.Badger.GCInterval,
			Fn: func(ctx context.Context, now time.Time) error {
				if n := s.RunGC(ctx); n > 0 {
					s.logger.Debug("value log gc", "rewrites", n)
				}
				return nil
			},
		})
	}

	return tasks
}

func sweepErrors[T any](name string, results []T, errs func(T) []error) error {
	var all []error
	for _, r := range results {
		all = append(all, errs(r)...)
	}
	if len(all) == 0 {
		return nil
	}
	return fmt.Errorf("%s sweep: %w", name, errors.Join(all...))
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Uptime:     time.Since(s.startTime),
		Store:      s.store.Stats(),
		Rollup:     s.rollup.Stats(),
		Retention:  s.retention.Stats(),
		Compaction: s.compaction.Stats(),
		Query:      s.query.Stats(),
	}
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Uptime     time.Duration
	Store      samplestore.Stats
	Rollup     rollup.Stats
	Retention  retention.ManagerStats
	Compaction compaction.EngineStats
	Query      query.ServiceStats
}

// Store returns the sample store.
func (s *Service) Store() *samplestore.Store {
	return s.store
}

// Query returns the query service.
func (s *Service) Query() *query.Service {
	return s.query
}

// Rollup returns the rollup engine.
func (s *Service) Rollup() *rollup.Engine {
	return s.rollup
}

// Retention returns the retention manager.
func (s *Service) Retention() *retention.Manager {
	return s.retention
}

// Compaction returns the compression engine.
func (s *Service) Compaction() *compaction.Engine {
	return s.compaction
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}
