package enrich

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

var ts = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestEnrichFromDetails(t *testing.T) {
	e := New()

	s, miss := e.Enrich(types.DimensionApplication, Record{
		Timestamp:     ts,
		DeviceID:      "fw1",
		Key:           "youtube",
		BytesSent:     10,
		BytesReceived: 90,
		Details:       json.RawMessage(`{"zone":"lan","vlan":10,"top_source":"10.0.0.5","top_source_bytes":70}`),
	})

	if miss {
		t.Fatal("expected no enrichment miss")
	}
	if s.Zone != "lan" || s.VLAN != "10" {
		t.Errorf("unexpected tags zone=%q vlan=%q", s.Zone, s.VLAN)
	}
	if s.TopContributor != "10.0.0.5" || s.TopContributorBytes != 70 {
		t.Errorf("unexpected top contributor %q/%v", s.TopContributor, s.TopContributorBytes)
	}
	if s.BytesTotal != 100 {
		t.Errorf("expected derived bytes_total=100, got %v", s.BytesTotal)
	}
}

func TestEnrichFallsBackToUnknown(t *testing.T) {
	tests := []struct {
		name    string
		details json.RawMessage
	}{
		{"absent", nil},
		{"null", json.RawMessage(`null`)},
		{"garbage", json.RawMessage(`{"zone":`)},
		{"wrong shape", json.RawMessage(`[1,2,3]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New()
			s, miss := e.Enrich(types.DimensionCategory, Record{
				Timestamp:   ts,
				DeviceID:    "fw1",
				TrafficType: types.TrafficTotal,
				Details:     tt.details,
			})

			if !miss {
				t.Error("expected enrichment miss")
			}
			if s.Key != Unknown || s.Zone != Unknown || s.VLAN != Unknown {
				t.Errorf("expected unknown fallbacks, got key=%q zone=%q vlan=%q", s.Key, s.Zone, s.VLAN)
			}
			if err := s.Validate(); err != nil {
				t.Errorf("enriched sample should still be valid: %v", err)
			}
			if e.Stats().Misses != 1 {
				t.Errorf("expected 1 miss, got %d", e.Stats().Misses)
			}
		})
	}
}

func TestEnrichCategoryFromDetails(t *testing.T) {
	e := New()

	s, _ := e.Enrich(types.DimensionCategory, Record{
		Timestamp:   ts,
		DeviceID:    "fw1",
		TrafficType: types.TrafficInternet,
		Details:     json.RawMessage(`"{\"category\":\"streaming\",\"vlan\":\"guest\"}"`),
	})

	if s.Key != "streaming" {
		t.Errorf("expected category from double-encoded payload, got %q", s.Key)
	}
	if s.VLAN != "guest" {
		t.Errorf("expected vlan=guest, got %q", s.VLAN)
	}
	if s.Zone != Unknown {
		t.Errorf("expected zone fallback, got %q", s.Zone)
	}
}

func TestEnrichDeviceHealth(t *testing.T) {
	e := New()

	samples := e.EnrichBatch(types.DimensionDeviceHealth, []Record{
		{Timestamp: ts, DeviceID: "fw1", Gauges: map[string]float64{"cpu": 95}},
	})

	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if samples[0].Key != types.DeviceHealthKey {
		t.Errorf("expected health key, got %q", samples[0].Key)
	}
	if e.Stats().Misses != 0 {
		t.Error("device health records have no details payload to miss")
	}
}
