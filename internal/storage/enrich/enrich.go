// Package enrich turns collector records into samples.
//
// Collector records carry category, zone and VLAN inside an embedded JSON
// details payload. Enrichment extracts them with the fallback "unknown";
// an absent or unparseable payload is an enrichment miss, never an
// ingestion error.
package enrich

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/xtxerr/bandwatch/internal/logging"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Unknown is the fallback for tags missing from the details payload.
const Unknown = "unknown"

// Record is one collector record as it arrives at the ingestion boundary.
type Record struct {
	Timestamp     time.Time          `json:"timestamp"`
	DeviceID      string             `json:"device_id"`
	Key           string             `json:"key"`
	TrafficType   string             `json:"traffic_type,omitempty"`
	BytesSent     float64            `json:"bytes_sent"`
	BytesReceived float64            `json:"bytes_received"`
	BytesTotal    float64            `json:"bytes_total"`
	Sessions      float64            `json:"sessions"`
	BandwidthBps  float64            `json:"bandwidth_bps"`
	Interface     string             `json:"interface,omitempty"`
	Gauges        map[string]float64 `json:"gauges,omitempty"`
	Details       json.RawMessage    `json:"details,omitempty"`
}

// details is the embedded payload. VLAN arrives as a number or a string
// depending on the appliance firmware.
type details struct {
	Category       string          `json:"category"`
	Zone           string          `json:"zone"`
	VLAN           json.RawMessage `json:"vlan"`
	Interface      string          `json:"interface"`
	TopSource      string          `json:"top_source"`
	TopSourceBytes float64         `json:"top_source_bytes"`
}

// Stats holds enrichment counters.
type Stats struct {
	Records int64
	Misses  int64
}

// Enricher converts records to samples.
type Enricher struct {
	logger  *slog.Logger
	records atomic.Int64
	misses  atomic.Int64
}

// New creates an Enricher.
func New() *Enricher {
	return &Enricher{logger: logging.Component("enrich")}
}

// Enrich converts one record of the given dimension. The second result
// reports an enrichment miss.
func (e *Enricher) Enrich(dim types.Dimension, r Record) (types.Sample, bool) {
	e.records.Add(1)

	s := types.Sample{
		Dimension:     dim,
		Time:          r.Timestamp,
		DeviceID:      r.DeviceID,
		Key:           r.Key,
		SubKey:        r.TrafficType,
		BytesSent:     r.BytesSent,
		BytesReceived: r.BytesReceived,
		BytesTotal:    r.BytesTotal,
		Sessions:      r.Sessions,
		BandwidthBps:  r.BandwidthBps,
		Interface:     r.Interface,
		Zone:          Unknown,
		VLAN:          Unknown,
		Gauges:        r.Gauges,
	}
	if s.BytesTotal == 0 {
		s.BytesTotal = s.BytesSent + s.BytesReceived
	}
	s.Normalize()

	if dim == types.DimensionDeviceHealth {
		return s, false
	}

	d, ok := parseDetails(r.Details)
	if !ok {
		e.misses.Add(1)
		e.logger.Debug("details payload missing or unparseable",
			"device", r.DeviceID,
			"dimension", dim.String(),
			"key", r.Key,
		)
		if dim == types.DimensionCategory && s.Key == "" {
			s.Key = Unknown
		}
		return s, true
	}

	if d.Zone != "" {
		s.Zone = d.Zone
	}
	if v := vlanString(d.VLAN); v != "" {
		s.VLAN = v
	}
	if s.Interface == "" {
		s.Interface = d.Interface
	}
	if dim == types.DimensionCategory && s.Key == "" {
		s.Key = Unknown
		if d.Category != "" {
			s.Key = d.Category
		}
	}
	if d.TopSource != "" {
		s.TopContributor = d.TopSource
		s.TopContributorBytes = d.TopSourceBytes
	}

	return s, false
}

// EnrichBatch converts a batch, preserving order.
func (e *Enricher) EnrichBatch(dim types.Dimension, records []Record) []types.Sample {
	out := make([]types.Sample, len(records))
	for i := range records {
		out[i], _ = e.Enrich(dim, records[i])
	}
	return out
}

// Stats returns enrichment counters.
func (e *Enricher) Stats() Stats {
	return Stats{
		Records: e.records.Load(),
		Misses:  e.misses.Load(),
	}
}

func parseDetails(raw json.RawMessage) (details, bool) {
	var d details
	if len(raw) == 0 || string(raw) == "null" {
		return d, false
	}

	// Some collectors double-encode the payload as a JSON string.
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		raw = json.RawMessage(inner)
	}

	if err := json.Unmarshal(raw, &d); err != nil {
		return details{}, false
	}
	return d, true
}

func vlanString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
