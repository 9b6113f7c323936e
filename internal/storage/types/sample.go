package types

import (
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/validation"
)

// Sample field names usable in qualified metric types and top-N queries.
const (
	FieldBytesSent     = "bytes_sent"
	FieldBytesReceived = "bytes_received"
	FieldBytesTotal    = "bytes_total"
	FieldSessions      = "sessions"
	FieldBandwidthBps  = "bandwidth_bps"
)

// Fields returns the numeric sample fields in a stable order.
func Fields() []string {
	return []string{FieldBytesSent, FieldBytesReceived, FieldBytesTotal, FieldSessions, FieldBandwidthBps}
}

// Sample represents one raw row per time x device x dimension key.
// This is the primary data unit flowing through the storage system.
type Sample struct {
	// Identity
	Dimension Dimension `json:"dimension"`
	Time      time.Time `json:"time"`      // UTC, second precision
	DeviceID  string    `json:"device_id"` // Appliance identifier (e.g., "fw1")
	Key       string    `json:"key"`       // Application, category or client address
	SubKey    string    `json:"sub_key,omitempty"`

	// Counters
	BytesSent     float64 `json:"bytes_sent"`
	BytesReceived float64 `json:"bytes_received"`
	BytesTotal    float64 `json:"bytes_total"`
	Sessions      float64 `json:"sessions"`

	// Gauge
	BandwidthBps float64 `json:"bandwidth_bps"`

	// Context tags
	Zone      string `json:"zone,omitempty"`
	VLAN      string `json:"vlan,omitempty"`
	Interface string `json:"interface,omitempty"`

	// Optional top contributor summary, e.g. top source IP of an application.
	TopContributor      string  `json:"top_contributor,omitempty"`
	TopContributorBytes float64 `json:"top_contributor_bytes,omitempty"`

	// Gauges holds device-health metrics (cpu, memory, sessions_active, ...).
	Gauges map[string]float64 `json:"gauges,omitempty"`
}

// Identity is the primary identity of a sample. Re-ingesting the same
// identity upserts.
type Identity struct {
	Dimension Dimension
	Time      time.Time
	DeviceID  string
	Key       string
	SubKey    string
}

// Identity returns the sample's identity tuple.
func (s *Sample) Identity() Identity {
	return Identity{
		Dimension: s.Dimension,
		Time:      s.Time,
		DeviceID:  s.DeviceID,
		Key:       s.Key,
		SubKey:    s.SubKey,
	}
}

// SeriesKey returns a unique identifier for the sample's series
// (identity without the timestamp).
func (s *Sample) SeriesKey() string {
	return s.Dimension.String() + "/" + s.DeviceID + "/" + s.Key + "/" + s.SubKey
}

// Table returns the raw table the sample belongs to.
func (s *Sample) Table() Table {
	return Table{Dimension: s.Dimension, Kind: KindRaw}
}

// Normalize converts the timestamp to UTC second precision and fills the
// fixed key of device-health samples.
func (s *Sample) Normalize() {
	s.Time = s.Time.UTC().Truncate(time.Second)
	if s.Dimension == DimensionDeviceHealth && s.Key == "" {
		s.Key = DeviceHealthKey
	}
}

// Field returns the named numeric field. Bare names that are not sample
// fields are looked up in Gauges.
func (s *Sample) Field(name string) (float64, bool) {
	switch name {
	case FieldBytesSent:
		return s.BytesSent, true
	case FieldBytesReceived:
		return s.BytesReceived, true
	case FieldBytesTotal:
		return s.BytesTotal, true
	case FieldSessions:
		return s.Sessions, true
	case FieldBandwidthBps:
		return s.BandwidthBps, true
	}
	v, ok := s.Gauges[name]
	return v, ok
}

// Validate checks the sample for ingestion. The returned error matches
// errors.ErrValidation.
func (s *Sample) Validate() error {
	errs := errors.NewValidationErrors()

	if !s.Dimension.Valid() {
		errs.AddField("dimension", "unknown dimension")
	}
	errs.Add(validation.ValidateDeviceID(s.DeviceID))
	if s.Time.IsZero() {
		errs.AddMissing("time")
	} else if s.Time.Unix() < 0 {
		errs.AddField("time", "before 1970-01-01")
	}
	if s.Dimension != DimensionDeviceHealth && s.Key == "" {
		errs.AddMissing("key")
	}

	switch {
	case s.Dimension.HasSubKey():
		if !ValidTrafficType(s.SubKey) {
			errs.AddField("sub_key", "must be internal, internet or total")
		}
	case s.SubKey != "":
		errs.AddField("sub_key", "not allowed for "+s.Dimension.String())
	}

	if strings.ContainsRune(s.Key, 0) {
		errs.AddField("key", "contains NUL byte")
	}
	if strings.ContainsRune(s.SubKey, 0) {
		errs.AddField("sub_key", "contains NUL byte")
	}

	counters := []struct {
		name  string
		value float64
	}{
		{FieldBytesSent, s.BytesSent},
		{FieldBytesReceived, s.BytesReceived},
		{FieldBytesTotal, s.BytesTotal},
		{FieldSessions, s.Sessions},
		{FieldBandwidthBps, s.BandwidthBps},
		{"top_contributor_bytes", s.TopContributorBytes},
	}
	for _, c := range counters {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			errs.AddField(c.name, "not a finite number")
		} else if c.value < 0 {
			errs.AddField(c.name, "negative value")
		}
	}

	if s.Dimension == DimensionDeviceHealth && len(s.Gauges) == 0 {
		errs.AddMissing("gauges")
	}
	for _, name := range slices.Sorted(maps.Keys(s.Gauges)) {
		v := s.Gauges[name]
		if name == "" {
			errs.AddField("gauges", "empty gauge name")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs.AddField("gauges."+name, "not a finite number")
		}
	}

	return errs.Err()
}
