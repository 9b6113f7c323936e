package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes raw sample tables from hourly rollup tables.
type Kind int

const (
	// KindRaw holds raw samples.
	KindRaw Kind = iota
	// KindHourly holds hourly rollups.
	KindHourly
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindHourly:
		return "hourly"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Table is a logical table: one dimension at one resolution.
type Table struct {
	Dimension Dimension
	Kind      Kind
}

// String returns "<dimension>/<kind>", e.g. "client/raw".
func (t Table) String() string {
	return t.Dimension.String() + "/" + t.Kind.String()
}

// ParseTable parses "<dimension>/<kind>". A bare dimension means raw.
func ParseTable(s string) (Table, error) {
	dim, kind, found := strings.Cut(s, "/")
	d, err := ParseDimension(dim)
	if err != nil {
		return Table{}, err
	}
	if !found || kind == "raw" {
		return Table{Dimension: d, Kind: KindRaw}, nil
	}
	if kind == "hourly" {
		return Table{Dimension: d, Kind: KindHourly}, nil
	}
	return Table{}, fmt.Errorf("unknown table kind: %s", kind)
}

// AllTables returns every raw and hourly table, raw tables first.
func AllTables() []Table {
	var tables []Table
	for _, k := range []Kind{KindRaw, KindHourly} {
		for _, d := range AllDimensions() {
			tables = append(tables, Table{Dimension: d, Kind: k})
		}
	}
	return tables
}

// =============================================================================
// Time helpers
// =============================================================================

// PartitionSpan is the width of one partition.
const PartitionSpan = 24 * time.Hour

// BucketSpan is the width of one rollup bucket.
const BucketSpan = time.Hour

// TruncateDay returns the UTC calendar day containing t.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// TruncateHour returns the start of the hour bucket containing t.
func TruncateHour(t time.Time) time.Time {
	return t.UTC().Truncate(BucketSpan)
}

// HourBuckets returns the bucket starts in [from, to], both truncated.
func HourBuckets(from, to time.Time) []time.Time {
	from, to = TruncateHour(from), TruncateHour(to)
	var out []time.Time
	for b := from; !b.After(to); b = b.Add(BucketSpan) {
		out = append(out, b)
	}
	return out
}
