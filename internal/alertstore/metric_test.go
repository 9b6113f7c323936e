package alertstore

import (
	"testing"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{in: "cpu", want: Metric{Dimension: types.DimensionDeviceHealth, Key: types.DeviceHealthKey, Field: "cpu"}},
		{in: "application/youtube:bandwidth_bps", want: Metric{Dimension: types.DimensionApplication, Key: "youtube", Field: "bandwidth_bps"}},
		{in: "client/10.0.0.5/internet:bytes_total", want: Metric{Dimension: types.DimensionClient, Key: "10.0.0.5", SubKey: "internet", Field: "bytes_total"}},
		{in: "client/fe80::1/total:bytes_sent", want: Metric{Dimension: types.DimensionClient, Key: "fe80::1", SubKey: "total", Field: "bytes_sent"}},
		{in: "", wantErr: true},
		{in: "cpu load", wantErr: true},
		{in: "application/youtube", wantErr: true},
		{in: "application/youtube:latency", wantErr: true},
		{in: "application:bytes_sent", wantErr: true},
		{in: "client/10.0.0.5:bytes_sent", wantErr: true},
		{in: "client/10.0.0.5/lan:bytes_sent", wantErr: true},
		{in: "device_health/-:bytes_sent", wantErr: true},
		{in: "planet/earth:bytes_sent", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMetric(tt.in)
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Fatalf("ParseMetric(%q) error = %v, want validation error", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMetric(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMetric(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestOperatorCompare(t *testing.T) {
	tests := []struct {
		op     Operator
		actual float64
		want   bool
	}{
		{OpGreater, 91, true},
		{OpGreater, 90, false},
		{OpGreaterEqual, 90, true},
		{OpLess, 89, true},
		{OpLessEqual, 90, true},
		{OpLessEqual, 91, false},
		{OpEqual, 90, true},
		{OpNotEqual, 90, false},
		{Operator("~"), 90, false},
	}
	for _, tt := range tests {
		if got := tt.op.Compare(tt.actual, 90); got != tt.want {
			t.Errorf("%v %s 90 = %v, want %v", tt.actual, tt.op, got, tt.want)
		}
	}
}

func TestMaintenanceCovers(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fw1 := "fw1"
	w := MaintenanceWindow{DeviceID: &fw1, StartTime: start, EndTime: start.Add(time.Hour), Enabled: true}

	if !w.Covers("fw1", start) {
		t.Error("window should cover its start")
	}
	if w.Covers("fw1", start.Add(time.Hour)) {
		t.Error("window should not cover its end")
	}
	if w.Covers("fw2", start) {
		t.Error("device window should not cover other devices")
	}

	w.DeviceID = nil
	if !w.Global() || !w.Covers("fw2", start) {
		t.Error("global window should cover every device")
	}
	w.Enabled = false
	if w.Covers("fw2", start) {
		t.Error("disabled window should not cover")
	}
}
