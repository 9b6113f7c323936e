package alertstore

import (
	"slices"
	"strings"
	"unicode"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Metric is a parsed metric type.
//
// A bare name ("cpu") is a gauge of the device's latest device-health
// sample. A qualified name "<dimension>/<key>[/<subkey>]:<field>" reads a
// field of the latest sample of that dimension key, e.g.
// "application/youtube:bandwidth_bps" or "client/10.0.0.5/internet:bytes_total".
type Metric struct {
	Dimension types.Dimension
	Key       string
	SubKey    string
	Field     string
}

// Gauge reports whether m is a device-health gauge.
func (m Metric) Gauge() bool {
	return m.Dimension == types.DimensionDeviceHealth
}

// String returns the canonical metric type.
func (m Metric) String() string {
	if m.Gauge() {
		return m.Field
	}
	s := m.Dimension.String() + "/" + m.Key
	if m.SubKey != "" {
		s += "/" + m.SubKey
	}
	return s + ":" + m.Field
}

// ParseMetric parses a metric type.
func ParseMetric(s string) (Metric, error) {
	invalid := func(reason string) (Metric, error) {
		return Metric{}, errors.NewInvalidValue("metric_type", s, reason)
	}

	if s == "" {
		return invalid("empty")
	}

	if !strings.ContainsAny(s, "/:") {
		if strings.ContainsFunc(s, unicode.IsSpace) {
			return invalid("gauge name contains whitespace")
		}
		return Metric{Dimension: types.DimensionDeviceHealth, Key: types.DeviceHealthKey, Field: s}, nil
	}

	// The field never contains ':', client keys may (IPv6).
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return invalid("missing :<field>")
	}
	path, field := s[:i], s[i+1:]
	if !slices.Contains(types.Fields(), field) {
		return invalid("field must be one of " + strings.Join(types.Fields(), ", "))
	}

	dimName, rest, ok := strings.Cut(path, "/")
	if !ok || rest == "" {
		return invalid("missing dimension key")
	}
	dim, err := types.ParseDimension(dimName)
	if err != nil {
		return invalid(err.Error())
	}
	if dim == types.DimensionDeviceHealth {
		return invalid("device-health gauges are referenced by bare name")
	}

	m := Metric{Dimension: dim, Field: field, Key: rest}
	if dim.HasSubKey() {
		j := strings.LastIndexByte(rest, '/')
		if j < 0 {
			return invalid(dim.String() + " metrics need a traffic type")
		}
		m.Key, m.SubKey = rest[:j], rest[j+1:]
		if !types.ValidTrafficType(m.SubKey) {
			return invalid("traffic type must be internal, internet or total")
		}
	}
	if m.Key == "" {
		return invalid("missing dimension key")
	}

	return m, nil
}
