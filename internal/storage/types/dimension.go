package types

import "fmt"

// Dimension identifies the kind of key a sample is aggregated by.
type Dimension int

const (
	// DimensionApplication samples are keyed by application name.
	DimensionApplication Dimension = iota
	// DimensionCategory samples are keyed by category name and traffic type.
	DimensionCategory
	// DimensionClient samples are keyed by client address and traffic type.
	DimensionClient
	// DimensionDeviceHealth samples carry device gauges (cpu, memory, ...).
	DimensionDeviceHealth
)

// DeviceHealthKey is the fixed dimension key of device-health samples.
const DeviceHealthKey = "-"

// String returns the string representation of the dimension.
func (d Dimension) String() string {
	switch d {
	case DimensionApplication:
		return "application"
	case DimensionCategory:
		return "category"
	case DimensionClient:
		return "client"
	case DimensionDeviceHealth:
		return "device_health"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// HasSubKey reports whether samples of this dimension carry a traffic type.
func (d Dimension) HasSubKey() bool {
	return d == DimensionCategory || d == DimensionClient
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	return d >= DimensionApplication && d <= DimensionDeviceHealth
}

// MarshalText implements encoding.TextMarshaler.
func (d Dimension) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("unknown dimension %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Dimension) UnmarshalText(b []byte) error {
	parsed, err := ParseDimension(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDimension parses a string into a Dimension.
func ParseDimension(s string) (Dimension, error) {
	switch s {
	case "application", "app":
		return DimensionApplication, nil
	case "category":
		return DimensionCategory, nil
	case "client":
		return DimensionClient, nil
	case "device_health", "health":
		return DimensionDeviceHealth, nil
	default:
		return DimensionApplication, fmt.Errorf("unknown dimension: %s", s)
	}
}

// AllDimensions returns all dimensions in order.
func AllDimensions() []Dimension {
	return []Dimension{DimensionApplication, DimensionCategory, DimensionClient, DimensionDeviceHealth}
}

// Traffic types used as sub keys for client and category samples.
const (
	TrafficInternal = "internal"
	TrafficInternet = "internet"
	TrafficTotal    = "total"
)

// ValidTrafficType reports whether s is a known traffic type.
func ValidTrafficType(s string) bool {
	switch s {
	case TrafficInternal, TrafficInternet, TrafficTotal:
		return true
	default:
		return false
	}
}
