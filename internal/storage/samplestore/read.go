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

// ctxCheckInterval is how many iterator steps pass between context checks.
const ctxCheckInterval = 1000

// RangeQuery selects raw samples of one dimension in [From, To).
// Empty DeviceID, Key and SubKey match everything.
type RangeQuery struct {
	Dimension types.Dimension
	DeviceID  string
	Key       string
	SubKey    string
	From      time.Time
	To        time.Time
}

func (q RangeQuery) matches(s *types.Sample) bool {
	if s.Time.Before(q.From) || !s.Time.Before(q.To) {
		return false
	}
	if q.DeviceID != "" && s.DeviceID != q.DeviceID {
		return false
	}
	if q.Key != "" && s.Key != q.Key {
		return false
	}
	if q.SubKey != "" && s.SubKey != q.SubKey {
		return false
	}
	return true
}

// Latest returns the newest sample of a series. Concurrent lookups of the
// same series share one read.
func (s *Store) Latest(ctx context.Context, dim types.Dimension, deviceID, key, subKey string) (types.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Sample{}, false, err
	}
	if dim == types.DimensionDeviceHealth && key == "" {
		key = types.DeviceHealthKey
	}

	table := types.Table{Dimension: dim, Kind: types.KindRaw}
	lk := latestKey(table, deviceID, key, subKey)

	type result struct {
		sample types.Sample
		found  bool
	}

	v, err, _ := s.latest.Do(string(lk), func() (any, error) {
		var r result
		err := s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(lk)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			r.found = true
			return item.Value(func(val []byte) error {
				return decode(val, &r.sample)
			})
		})
		return r, err
	})
	if err != nil {
		return types.Sample{}, false, transient("latest", err)
	}

	r := v.(result)
	if r.found {
		s.latestHits.Add(1)
	}
	return r.sample, r.found, nil
}

// Devices returns the devices with at least one sample in table.
func (s *Store) Devices(ctx context.Context, table types.Table) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devices []string
	prefix := latestTablePrefix(table)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			d := latestKeyDevice(it.Item().Key(), table)
			if len(devices) == 0 || devices[len(devices)-1] != d {
				devices = append(devices, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, transient("list devices", err)
	}
	return devices, nil
}

// Range returns the samples matching q ordered by time ascending. The
// sequence is lazy and restartable: ranging over it again re-reads the
// store from q.From. Partitions are read one day at a time; compressed
// days come from their Parquet file.
func (s *Store) Range(ctx context.Context, q RangeQuery) iter.Seq2[types.Sample, error] {
	return func(yield func(types.Sample, error) bool) {
		if !q.To.After(q.From) {
			return
		}

		table := types.Table{Dimension: q.Dimension, Kind: types.KindRaw}
		if q.Dimension == types.DimensionDeviceHealth && q.Key == "" {
			q.Key = types.DeviceHealthKey
		}

		for day := types.TruncateDay(q.From); day.Before(q.To); day = day.Add(types.PartitionSpan) {
			if err := ctx.Err(); err != nil {
				yield(types.Sample{}, err)
				return
			}

			p := types.Partition{Table: table, Day: day}
			info, found, err := s.Partition(ctx, p)
			if err != nil {
				yield(types.Sample{}, err)
				return
			}
			if !found || info.State == types.StateDropped {
				continue
			}

			var cont bool
			if info.State == types.StateCompressed {
				cont = s.rangeCompressed(info, q, yield)
			} else {
				cont = s.rangeHot(ctx, p, q, yield)
			}
			if !cont {
				return
			}
		}
	}
}

// rangeHot streams one hot partition. With a device filter the device's
// keys are already in time order; otherwise devices are merged by time.
func (s *Store) rangeHot(ctx context.Context, p types.Partition, q RangeQuery, yield func(types.Sample, error) bool) bool {
	if q.DeviceID != "" {
		stopped := false
		err := s.scanDevice(ctx, p, q.DeviceID, q.From, q.To, func(smp *types.Sample) bool {
			if !q.matches(smp) {
				return true
			}
			if !yield(*smp, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			yield(types.Sample{}, transient("range", err))
			return false
		}
		return !stopped
	}

	devices, err := s.Devices(ctx, p.Table)
	if err != nil {
		yield(types.Sample{}, err)
		return false
	}

	var day []types.Sample
	for _, d := range devices {
		err := s.scanDevice(ctx, p, d, q.From, q.To, func(smp *types.Sample) bool {
			if q.matches(smp) {
				day = append(day, *smp)
			}
			return true
		})
		if err != nil {
			yield(types.Sample{}, transient("range", err))
			return false
		}
	}

	sortSamples(day)
	for i := range day {
		if !yield(day[i], nil) {
			return false
		}
	}
	return true
}

// scanDevice calls fn for the device's samples of p with time in [from, to).
func (s *Store) scanDevice(ctx context.Context, p types.Partition, device string, from, to time.Time, fn func(*types.Sample) bool) error {
	prefix := devicePrefix(p, device)
	start := p.Start()
	if from.After(start) {
		start = from
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		n := 0
		for it.Seek(deviceSeekKey(p, device, start)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			if ts, ok := sampleKeyTime(item.Key(), len(prefix)); ok && !ts.Before(to) {
				return nil
			}

			var smp types.Sample
			if err := item.Value(func(val []byte) error {
				return decode(val, &smp)
			}); err != nil {
				return err
			}
			if !fn(&smp) {
				return nil
			}
		}
		return nil
	})
}

// rangeCompressed reads one compressed partition. The day is filtered and
// sorted in memory before it is yielded.
func (s *Store) rangeCompressed(info types.PartitionInfo, q RangeQuery, yield func(types.Sample, error) bool) bool {
	r, err := parquet.NewSampleReader(info.File)
	if err != nil {
		yield(types.Sample{}, transient("open partition", err))
		return false
	}
	defer r.Close()

	var day []types.Sample
	for {
		chunk, err := r.Read(parquet.DefaultChunkSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			yield(types.Sample{}, transient("read partition", err))
			return false
		}
		for i := range chunk {
			if q.matches(&chunk[i]) {
				day = append(day, chunk[i])
			}
		}
	}

	sortSamples(day)
	for i := range day {
		if !yield(day[i], nil) {
			return false
		}
	}
	return true
}

// sortSamples orders by time, then device, key and sub key.
func sortSamples(samples []types.Sample) {
	slices.SortStableFunc(samples, func(a, b types.Sample) int {
		if c := a.Time.Compare(b.Time); c != 0 {
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

// Collect drains a sequence into a slice.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
