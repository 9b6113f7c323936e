package samplestore

import (
	"context"
	"io"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/parquet"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// RollupQuery selects hourly rollups of one dimension with HourStart in
// [From, To). Empty DeviceID, Key and SubKey match everything.
type RollupQuery struct {
	Dimension types.Dimension
	DeviceID  string
	Key       string
	SubKey    string
	From      time.Time
	To        time.Time
}

func (q RollupQuery) matches(r *types.HourlyRollup) bool {
	if r.HourStart.Before(q.From) || !r.HourStart.Before(q.To) {
		return false
	}
	if q.DeviceID != "" && r.DeviceID != q.DeviceID {
		return false
	}
	if q.Key != "" && r.Key != q.Key {
		return false
	}
	if q.SubKey != "" && r.SubKey != q.SubKey {
		return false
	}
	return true
}

// ReplaceRollupBucket overwrites every rollup row of one hour bucket with
// rollups. An empty slice deletes the bucket. Rows must belong to the
// bucket and have a non-zero sample count.
func (s *Store) ReplaceRollupBucket(ctx context.Context, dim types.Dimension, hour time.Time, rollups []types.HourlyRollup) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	hour = types.TruncateHour(hour)
	table := types.Table{Dimension: dim, Kind: types.KindHourly}
	p := types.PartitionFor(table, hour)

	for i := range rollups {
		r := &rollups[i]
		if r.Dimension != dim || !r.HourStart.Equal(hour) {
			return errors.NewInvalidValue("rollup", r.SeriesKey(), "outside bucket "+hour.Format(time.RFC3339))
		}
		if r.SampleCount <= 0 {
			return errors.NewInvalidValue("sample_count", r.SampleCount, "must be positive")
		}
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = s.replaceBucket(p, hour, rollups)
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			s.conflicts.Add(1)
			continue
		}
		break
	}
	return transient("replace rollup bucket", err)
}

func (s *Store) replaceBucket(p types.Partition, hour time.Time, rollups []types.HourlyRollup) error {
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	if err := ensureWritable(txn, p); err != nil {
		return err
	}

	prefix := bucketPrefix(p, hour)
	var stale [][]byte
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()

	// Large buckets are committed in several transactions. Replacement is
	// idempotent so a partial commit converges on the next run.
	apply := func(fn func(*badger.Txn) error) error {
		err := fn(txn)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = s.db.NewTransaction(true)
			return fn(txn)
		}
		return err
	}

	for _, k := range stale {
		if err := apply(func(t *badger.Txn) error { return t.Delete(k) }); err != nil {
			return err
		}
	}
	for i := range rollups {
		val, err := encode(&rollups[i])
		if err != nil {
			return err
		}
		key := rollupKey(&rollups[i])
		if err := apply(func(t *badger.Txn) error { return t.Set(key, val) }); err != nil {
			return err
		}
	}

	return txn.Commit()
}

// RangeRollups returns the rollups matching q ordered by hour, then
// device, key and sub key. Like Range it is lazy and restartable.
func (s *Store) RangeRollups(ctx context.Context, q RollupQuery) iter.Seq2[types.HourlyRollup, error] {
	return func(yield func(types.HourlyRollup, error) bool) {
		if !q.To.After(q.From) {
			return
		}

		table := types.Table{Dimension: q.Dimension, Kind: types.KindHourly}
		for day := types.TruncateDay(q.From); day.Before(q.To); day = day.Add(types.PartitionSpan) {
			if err := ctx.Err(); err != nil {
				yield(types.HourlyRollup{}, err)
				return
			}

			p := types.Partition{Table: table, Day: day}
			info, found, err := s.Partition(ctx, p)
			if err != nil {
				yield(types.HourlyRollup{}, err)
				return
			}
			if !found || info.State == types.StateDropped {
				continue
			}

			var rows []types.HourlyRollup
			if info.State == types.StateCompressed {
				rows, err = readRollupFile(info.File, q)
			} else {
				rows, err = s.scanRollups(ctx, p, q)
			}
			if err != nil {
				yield(types.HourlyRollup{}, err)
				return
			}

			for i := range rows {
				if !yield(rows[i], nil) {
					return
				}
			}
		}
	}
}

func (s *Store) scanRollups(ctx context.Context, p types.Partition, q RollupQuery) ([]types.HourlyRollup, error) {
	var out []types.HourlyRollup
	prefix := partitionPrefix(prefixRollup, p)

	start := p.Start()
	if q.From.After(start) {
		start = types.TruncateHour(q.From)
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(bucketPrefix(p, start)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var r types.HourlyRollup
			if err := it.Item().Value(func(val []byte) error {
				return decode(val, &r)
			}); err != nil {
				return err
			}
			if !r.HourStart.Before(q.To) {
				return nil
			}
			if q.matches(&r) {
				out = append(out, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, transient("range rollups", err)
	}
	return out, nil
}

func readRollupFile(path string, q RollupQuery) ([]types.HourlyRollup, error) {
	r, err := parquet.NewRollupReader(path)
	if err != nil {
		return nil, transient("open partition", err)
	}
	defer r.Close()

	var out []types.HourlyRollup
	for {
		chunk, err := r.Read(parquet.DefaultChunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, transient("read partition", err)
		}
		for i := range chunk {
			if q.matches(&chunk[i]) {
				out = append(out, chunk[i])
			}
		}
	}

	sortRollups(out)
	return out, nil
}

func sortRollups(rows []types.HourlyRollup) {
	slices.SortStableFunc(rows, func(a, b types.HourlyRollup) int {
		if c := a.HourStart.Compare(b.HourStart); c != 0 {
			return c
		}
		if c := strings.Compare(a.DeviceID, b.DeviceID); c != 0 {
			return c
		}
		if c := strings.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return strings.Compare(a.SubKey, b.SubKey)
	})
}
