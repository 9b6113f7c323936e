package aggregate

import (
	"slices"
	"strings"
	"time"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Bucket aggregates every series of one dimension in one hour bucket.
type Bucket struct {
	dimension types.Dimension
	hourStart time.Time
	accuracy  float64

	// Active aggregates keyed by series
	aggregates map[string]*SeriesAggregate

	stats BucketStats
}

// BucketStats holds statistics for a bucket.
type BucketStats struct {
	SamplesProcessed int64
	SamplesSkipped   int64
}

// NewBucket creates a bucket aggregator for the hour containing hourStart.
func NewBucket(dim types.Dimension, hourStart time.Time, accuracy float64) *Bucket {
	return &Bucket{
		dimension:  dim,
		hourStart:  types.TruncateHour(hourStart),
		accuracy:   accuracy,
		aggregates: make(map[string]*SeriesAggregate),
	}
}

// Process adds a sample to its series aggregate. Samples of another
// dimension or hour and samples with an empty key are skipped.
func (b *Bucket) Process(s *types.Sample) bool {
	if s.Dimension != b.dimension || s.Key == "" || !types.TruncateHour(s.Time).Equal(b.hourStart) {
		b.stats.SamplesSkipped++
		return false
	}

	key := s.SeriesKey()
	agg, ok := b.aggregates[key]
	if !ok {
		agg = New(s, b.hourStart, b.accuracy)
		b.aggregates[key] = agg
	}

	agg.Add(s)
	b.stats.SamplesProcessed++
	return true
}

// Results returns one rollup per non-empty series, ordered by device,
// key and sub key.
func (b *Bucket) Results() []types.HourlyRollup {
	out := make([]types.HourlyRollup, 0, len(b.aggregates))
	for _, agg := range b.aggregates {
		if agg.IsEmpty() {
			continue
		}
		out = append(out, agg.Result())
	}

	slices.SortFunc(out, func(x, y types.HourlyRollup) int {
		if c := strings.Compare(x.DeviceID, y.DeviceID); c != 0 {
			return c
		}
		if c := strings.Compare(x.Key, y.Key); c != 0 {
			return c
		}
		return strings.Compare(x.SubKey, y.SubKey)
	})
	return out
}

// Len returns the number of series in the bucket.
func (b *Bucket) Len() int {
	return len(b.aggregates)
}

// Stats returns bucket statistics.
func (b *Bucket) Stats() BucketStats {
	return b.stats
}
