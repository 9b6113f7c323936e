// Package samplestore implements the time-partitioned sample store.
//
// Hot partitions live in badger and accept idempotent upserts. Once a
// partition is sealed and compressed it becomes an immutable Parquet file
// that stays queryable through the same read API. A partition catalog in
// badger tracks the state of every (table, day).
package samplestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/parquet"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// maxConflictRetries bounds retries of a record write that lost a badger
// conflict against a concurrent writer.
const maxConflictRetries = 3

// Options configures the store.
type Options struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir string

	// PartitionDir is the root of compressed partition files.
	PartitionDir string

	// InMemory runs badger without disk (tests).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Parquet configures compressed partition files.
	Parquet parquet.Options

	// Logger defaults to the "samplestore" component logger.
	Logger *slog.Logger
}

// Stats holds store counters.
type Stats struct {
	Accepted   int64
	Rejected   int64
	Conflicts  int64
	Immutable  int64
	LatestHits int64
}

// Store is the sample store.
type Store struct {
	db     *badger.DB
	opts   Options
	logger *slog.Logger
	latest singleflight.Group

	accepted   atomic.Int64
	rejected   atomic.Int64
	conflicts  atomic.Int64
	immutable  atomic.Int64
	latestHits atomic.Int64
}

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	bopts = bopts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithSyncWrites(opts.SyncWrites).
		WithMemTableSize(16 << 20).
		WithNumMemtables(3).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20).
		WithLogger(badgerLogger{opts.logger()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{
		db:     db,
		opts:   opts,
		logger: opts.logger(),
	}, nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.Component("samplestore")
}

// badgerLogger routes badger's internal logging through slog. Info and
// debug chatter is demoted to debug.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "source", "badger")
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "source", "badger")
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "source", "badger")
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "source", "badger")
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs badger value log GC until nothing is left to rewrite.
func (s *Store) RunGC(ctx context.Context, discardRatio float64) int {
	runs := 0
	for ctx.Err() == nil {
		if err := s.db.RunValueLogGC(discardRatio); err != nil {
			break
		}
		runs++
	}
	return runs
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
		Conflicts:  s.conflicts.Load(),
		Immutable:  s.immutable.Load(),
		LatestHits: s.latestHits.Load(),
	}
}

// partitionFile returns the Parquet path of a partition.
func (s *Store) partitionFile(p types.Partition) string {
	return filepath.Join(s.opts.PartitionDir,
		p.Table.Dimension.String(),
		p.Table.Kind.String(),
		p.DayString()+".parquet")
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(val []byte, v any) error {
	return json.Unmarshal(val, v)
}

// transient wraps badger failures. Conflict and validation errors pass
// through unchanged.
func transient(op string, err error) error {
	if err == nil || errors.IsConflict(err) || errors.IsValidation(err) || errors.IsNotFound(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errors.ErrInvalidTransition) {
		return err
	}
	return errors.NewTransient(op, err)
}
