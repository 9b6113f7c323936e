package types

import (
	"fmt"
	"time"
)

// PartitionState is the lifecycle state of a partition.
type PartitionState int

const (
	// StateHot partitions are mutable and accept upserts.
	StateHot PartitionState = iota
	// StateSealing partitions are being compressed and reject writes.
	StateSealing
	// StateCompressed partitions are immutable parquet files.
	StateCompressed
	// StateDropped partitions were removed by retention.
	StateDropped
)

// String returns the string representation of the state.
func (s PartitionState) String() string {
	switch s {
	case StateHot:
		return "hot"
	case StateSealing:
		return "sealing"
	case StateCompressed:
		return "compressed"
	case StateDropped:
		return "dropped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Writable reports whether upserts are allowed in this state.
func (s PartitionState) Writable() bool {
	return s == StateHot
}

// Partition is one UTC calendar day of one table.
type Partition struct {
	Table Table
	Day   time.Time // 00:00 UTC
}

// PartitionFor returns the partition of t in table.
func PartitionFor(table Table, t time.Time) Partition {
	return Partition{Table: table, Day: TruncateDay(t)}
}

// Start returns the inclusive start of the partition.
func (p Partition) Start() time.Time {
	return p.Day
}

// End returns the exclusive end of the partition.
func (p Partition) End() time.Time {
	return p.Day.Add(PartitionSpan)
}

// Contains reports whether t falls in [Start, End).
func (p Partition) Contains(t time.Time) bool {
	return !t.Before(p.Start()) && t.Before(p.End())
}

// DayString returns the partition day as yyyymmdd.
func (p Partition) DayString() string {
	return p.Day.Format("20060102")
}

// String returns "<table>/<yyyymmdd>".
func (p Partition) String() string {
	return p.Table.String() + "/" + p.DayString()
}

// PartitionInfo is a catalog entry.
type PartitionInfo struct {
	Partition Partition
	State     PartitionState
	Rows      int64
	File      string // parquet file, set once compressed
	Checksum  uint64 // xxhash of the parquet file
	Bytes     int64
	Purged    bool // data of a dropped partition has been deleted
}
