// Package aggregate folds raw samples into hourly rollups.
package aggregate

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// DefaultAccuracy is the DDSketch relative accuracy (1% error).
const DefaultAccuracy = 0.01

// SeriesAggregate maintains running statistics for one series in one
// hour bucket. Counters sum; bandwidth keeps average, peak and a DDSketch
// for the p95; device-health gauges keep average and peak per name.
type SeriesAggregate struct {
	// Identity
	dimension types.Dimension
	deviceID  string
	key       string
	subKey    string
	hourStart time.Time

	// Summed counters
	bytesSent     float64
	bytesReceived float64
	bytesTotal    float64
	sessions      float64

	// Bandwidth statistics
	count   int64
	bwSum   float64
	bwMax   float64
	firstTs time.Time
	lastTs  time.Time

	// DDSketch for the p95 bandwidth (nil if it could not be created)
	sketch *ddsketch.DDSketch

	gauges map[string]*gaugeStats
}

type gaugeStats struct {
	count int64
	sum   float64
	max   float64
}

// New creates a new SeriesAggregate for the series of s in the given hour.
func New(s *types.Sample, hourStart time.Time, accuracy float64) *SeriesAggregate {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = DefaultAccuracy
	}

	agg := &SeriesAggregate{
		dimension: s.Dimension,
		deviceID:  s.DeviceID,
		key:       s.Key,
		subKey:    s.SubKey,
		hourStart: hourStart,
		bwMax:     -math.MaxFloat64,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		agg.sketch = sketch
	}

	return agg
}

// Add adds a sample to the aggregate.
func (a *SeriesAggregate) Add(s *types.Sample) {
	a.count++
	a.bytesSent += s.BytesSent
	a.bytesReceived += s.BytesReceived
	a.bytesTotal += s.BytesTotal
	a.sessions += s.Sessions

	a.bwSum += s.BandwidthBps
	if s.BandwidthBps > a.bwMax {
		a.bwMax = s.BandwidthBps
	}
	if a.sketch != nil {
		// DDSketch rejects negative values; validation already does too.
		_ = a.sketch.Add(s.BandwidthBps)
	}

	if a.firstTs.IsZero() || s.Time.Before(a.firstTs) {
		a.firstTs = s.Time
	}
	if s.Time.After(a.lastTs) {
		a.lastTs = s.Time
	}

	for name, v := range s.Gauges {
		g, ok := a.gauges[name]
		if !ok {
			if a.gauges == nil {
				a.gauges = make(map[string]*gaugeStats)
			}
			g = &gaugeStats{max: -math.MaxFloat64}
			a.gauges[name] = g
		}
		g.count++
		g.sum += v
		if v > g.max {
			g.max = v
		}
	}
}

// Count returns the number of samples added.
func (a *SeriesAggregate) Count() int64 {
	return a.count
}

// IsEmpty returns true if no samples have been added.
func (a *SeriesAggregate) IsEmpty() bool {
	return a.count == 0
}

// Result returns the rollup row. It has no wall-clock fields, so equal
// input yields an equal row.
func (a *SeriesAggregate) Result() types.HourlyRollup {
	r := types.HourlyRollup{
		Dimension:     a.dimension,
		HourStart:     a.hourStart,
		DeviceID:      a.deviceID,
		Key:           a.key,
		SubKey:        a.subKey,
		BytesSent:     a.bytesSent,
		BytesReceived: a.bytesReceived,
		BytesTotal:    a.bytesTotal,
		Sessions:      a.sessions,
		SampleCount:   a.count,
		FirstSeen:     a.firstTs,
		LastSeen:      a.lastTs,
	}

	if a.count > 0 {
		r.BandwidthAvg = a.bwSum / float64(a.count)
		r.BandwidthPeak = a.bwMax
	}

	if a.sketch != nil && a.count > 0 {
		if p95, err := a.sketch.GetValueAtQuantile(0.95); err == nil {
			// The sketch estimate may exceed the observed peak.
			r.BandwidthP95 = math.Min(p95, a.bwMax)
		}
	}

	if len(a.gauges) > 0 {
		r.GaugeAvg = make(map[string]float64, len(a.gauges))
		r.GaugePeak = make(map[string]float64, len(a.gauges))
		for name, g := range a.gauges {
			r.GaugeAvg[name] = g.sum / float64(g.count)
			r.GaugePeak[name] = g.max
		}
	}

	return r
}

// Key returns the unique key for this aggregate's series.
func (a *SeriesAggregate) Key() string {
	return a.dimension.String() + "/" + a.deviceID + "/" + a.key + "/" + a.subKey
}

// HourStart returns the bucket start.
func (a *SeriesAggregate) HourStart() time.Time {
	return a.hourStart
}
