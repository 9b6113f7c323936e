package parquet

import (
	"time"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// SampleRow represents a sample in Parquet format.
type SampleRow struct {
	Dimension           string             `parquet:"dimension,dict"`
	TimeSec             int64              `parquet:"time_s"`
	DeviceID            string             `parquet:"device_id,dict"`
	Key                 string             `parquet:"key"`
	SubKey              string             `parquet:"sub_key,dict"`
	BytesSent           float64            `parquet:"bytes_sent"`
	BytesReceived       float64            `parquet:"bytes_received"`
	BytesTotal          float64            `parquet:"bytes_total"`
	Sessions            float64            `parquet:"sessions"`
	BandwidthBps        float64            `parquet:"bandwidth_bps"`
	Zone                string             `parquet:"zone,dict"`
	VLAN                string             `parquet:"vlan,dict"`
	Interface           string             `parquet:"interface,dict"`
	TopContributor      string             `parquet:"top_contributor,optional"`
	TopContributorBytes float64            `parquet:"top_contributor_bytes"`
	Gauges              map[string]float64 `parquet:"gauges"`
}

// RollupRow represents an hourly rollup in Parquet format.
type RollupRow struct {
	Dimension     string             `parquet:"dimension,dict"`
	HourStart     int64              `parquet:"hour_start"`
	DeviceID      string             `parquet:"device_id,dict"`
	Key           string             `parquet:"key"`
	SubKey        string             `parquet:"sub_key,dict"`
	BytesSent     float64            `parquet:"bytes_sent"`
	BytesReceived float64            `parquet:"bytes_received"`
	BytesTotal    float64            `parquet:"bytes_total"`
	Sessions      float64            `parquet:"sessions"`
	BandwidthAvg  float64            `parquet:"bandwidth_avg"`
	BandwidthPeak float64            `parquet:"bandwidth_peak"`
	BandwidthP95  float64            `parquet:"bandwidth_p95"`
	SampleCount   int64              `parquet:"sample_count"`
	FirstSeen     int64              `parquet:"first_seen"`
	LastSeen      int64              `parquet:"last_seen"`
	GaugeAvg      map[string]float64 `parquet:"gauge_avg"`
	GaugePeak     map[string]float64 `parquet:"gauge_peak"`
}

// SampleToRow converts a Sample to a SampleRow.
func SampleToRow(s *types.Sample) SampleRow {
	return SampleRow{
		Dimension:           s.Dimension.String(),
		TimeSec:             s.Time.Unix(),
		DeviceID:            s.DeviceID,
		Key:                 s.Key,
		SubKey:              s.SubKey,
		BytesSent:           s.BytesSent,
		BytesReceived:       s.BytesReceived,
		BytesTotal:          s.BytesTotal,
		Sessions:            s.Sessions,
		BandwidthBps:        s.BandwidthBps,
		Zone:                s.Zone,
		VLAN:                s.VLAN,
		Interface:           s.Interface,
		TopContributor:      s.TopContributor,
		TopContributorBytes: s.TopContributorBytes,
		Gauges:              s.Gauges,
	}
}

// RowToSample converts a SampleRow to a Sample.
func RowToSample(r *SampleRow) types.Sample {
	dim, _ := types.ParseDimension(r.Dimension)
	s := types.Sample{
		Dimension:           dim,
		Time:                time.Unix(r.TimeSec, 0).UTC(),
		DeviceID:            r.DeviceID,
		Key:                 r.Key,
		SubKey:              r.SubKey,
		BytesSent:           r.BytesSent,
		BytesReceived:       r.BytesReceived,
		BytesTotal:          r.BytesTotal,
		Sessions:            r.Sessions,
		BandwidthBps:        r.BandwidthBps,
		Zone:                r.Zone,
		VLAN:                r.VLAN,
		Interface:           r.Interface,
		TopContributor:      r.TopContributor,
		TopContributorBytes: r.TopContributorBytes,
	}
	if len(r.Gauges) > 0 {
		s.Gauges = r.Gauges
	}
	return s
}

// RollupToRow converts an HourlyRollup to a RollupRow.
func RollupToRow(r *types.HourlyRollup) RollupRow {
	return RollupRow{
		Dimension:     r.Dimension.String(),
		HourStart:     r.HourStart.Unix(),
		DeviceID:      r.DeviceID,
		Key:           r.Key,
		SubKey:        r.SubKey,
		BytesSent:     r.BytesSent,
		BytesReceived: r.BytesReceived,
		BytesTotal:    r.BytesTotal,
		Sessions:      r.Sessions,
		BandwidthAvg:  r.BandwidthAvg,
		BandwidthPeak: r.BandwidthPeak,
		BandwidthP95:  r.BandwidthP95,
		SampleCount:   r.SampleCount,
		FirstSeen:     r.FirstSeen.Unix(),
		LastSeen:      r.LastSeen.Unix(),
		GaugeAvg:      r.GaugeAvg,
		GaugePeak:     r.GaugePeak,
	}
}

// RowToRollup converts a RollupRow to an HourlyRollup.
func RowToRollup(r *RollupRow) types.HourlyRollup {
	dim, _ := types.ParseDimension(r.Dimension)
	out := types.HourlyRollup{
		Dimension:     dim,
		HourStart:     time.Unix(r.HourStart, 0).UTC(),
		DeviceID:      r.DeviceID,
		Key:           r.Key,
		SubKey:        r.SubKey,
		BytesSent:     r.BytesSent,
		BytesReceived: r.BytesReceived,
		BytesTotal:    r.BytesTotal,
		Sessions:      r.Sessions,
		BandwidthAvg:  r.BandwidthAvg,
		BandwidthPeak: r.BandwidthPeak,
		BandwidthP95:  r.BandwidthP95,
		SampleCount:   r.SampleCount,
		FirstSeen:     time.Unix(r.FirstSeen, 0).UTC(),
		LastSeen:      time.Unix(r.LastSeen, 0).UTC(),
	}
	if len(r.GaugeAvg) > 0 {
		out.GaugeAvg = r.GaugeAvg
	}
	if len(r.GaugePeak) > 0 {
		out.GaugePeak = r.GaugePeak
	}
	return out
}
