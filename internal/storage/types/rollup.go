package types

import "time"

// HourlyRollup is the hourly aggregate of the raw samples of one series.
// It carries no wall-clock fields: recomputing it over unchanged input
// yields an identical row.
type HourlyRollup struct {
	// Identity
	Dimension Dimension `json:"dimension"`
	HourStart time.Time `json:"hour_start"`
	DeviceID  string    `json:"device_id"`
	Key       string    `json:"key"`
	SubKey    string    `json:"sub_key,omitempty"`

	// Summed counters
	BytesSent     float64 `json:"bytes_sent"`
	BytesReceived float64 `json:"bytes_received"`
	BytesTotal    float64 `json:"bytes_total"`
	Sessions      float64 `json:"sessions"`

	// Bandwidth statistics
	BandwidthAvg  float64 `json:"bandwidth_avg"`
	BandwidthPeak float64 `json:"bandwidth_peak"`
	BandwidthP95  float64 `json:"bandwidth_p95"`

	SampleCount int64     `json:"sample_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`

	// Device-health gauges
	GaugeAvg  map[string]float64 `json:"gauge_avg,omitempty"`
	GaugePeak map[string]float64 `json:"gauge_peak,omitempty"`
}

// SeriesKey returns a unique identifier for this rollup's series.
func (r *HourlyRollup) SeriesKey() string {
	return r.Dimension.String() + "/" + r.DeviceID + "/" + r.Key + "/" + r.SubKey
}

// Table returns the hourly table the rollup belongs to.
func (r *HourlyRollup) Table() Table {
	return Table{Dimension: r.Dimension, Kind: KindHourly}
}

// Field returns a summed or averaged field by sample field name.
func (r *HourlyRollup) Field(name string) (float64, bool) {
	switch name {
	case FieldBytesSent:
		return r.BytesSent, true
	case FieldBytesReceived:
		return r.BytesReceived, true
	case FieldBytesTotal:
		return r.BytesTotal, true
	case FieldSessions:
		return r.Sessions, true
	case FieldBandwidthBps:
		return r.BandwidthAvg, true
	}
	v, ok := r.GaugeAvg[name]
	return v, ok
}
