package samplestore

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// Key layout. Fields are separated by NUL; identity fields never contain
// NUL (rejected by validation). Timestamps are 8-byte big-endian unix
// seconds so keys sort by time.
//
//	s\0<table>\0<yyyymmdd>\0<device>\0<ts>\0<key>\0<subkey>   raw sample
//	r\0<table>\0<yyyymmdd>\0<hour>\0<device>\0<key>\0<subkey> hourly rollup
//	l\0<table>\0<device>\0<key>\0<subkey>                     latest sample
//	c\0<table>\0<yyyymmdd>                                    partition catalog
const (
	prefixSample  = 's'
	prefixRollup  = 'r'
	prefixLatest  = 'l'
	prefixCatalog = 'c'
	sep           = 0
)

type keyBuilder struct {
	buf []byte
}

func newKey(prefix byte) *keyBuilder {
	return &keyBuilder{buf: []byte{prefix, sep}}
}

func (k *keyBuilder) str(s string) *keyBuilder {
	k.buf = append(k.buf, s...)
	k.buf = append(k.buf, sep)
	return k
}

func (k *keyBuilder) ts(t time.Time) *keyBuilder {
	k.buf = binary.BigEndian.AppendUint64(k.buf, uint64(t.Unix()))
	k.buf = append(k.buf, sep)
	return k
}

// bytes returns the key without the trailing separator.
func (k *keyBuilder) bytes() []byte {
	return k.buf[:len(k.buf)-1]
}

// prefix returns the key including the trailing separator.
func (k *keyBuilder) prefix() []byte {
	return k.buf
}

func partitionPrefix(kind byte, p types.Partition) []byte {
	return newKey(kind).str(p.Table.String()).str(p.DayString()).prefix()
}

func sampleKey(s *types.Sample) []byte {
	p := types.PartitionFor(s.Table(), s.Time)
	return newKey(prefixSample).
		str(p.Table.String()).
		str(p.DayString()).
		str(s.DeviceID).
		ts(s.Time).
		str(s.Key).
		str(s.SubKey).
		bytes()
}

// deviceSeekKey is the first possible sample key of device at or after t.
func deviceSeekKey(p types.Partition, device string, t time.Time) []byte {
	return newKey(prefixSample).
		str(p.Table.String()).
		str(p.DayString()).
		str(device).
		ts(t).
		prefix()
}

func devicePrefix(p types.Partition, device string) []byte {
	return newKey(prefixSample).
		str(p.Table.String()).
		str(p.DayString()).
		str(device).
		prefix()
}

// sampleKeyTime extracts the timestamp from a raw sample key given the
// length of its device prefix.
func sampleKeyTime(key []byte, devicePrefixLen int) (time.Time, bool) {
	if len(key) < devicePrefixLen+8 {
		return time.Time{}, false
	}
	sec := binary.BigEndian.Uint64(key[devicePrefixLen : devicePrefixLen+8])
	return time.Unix(int64(sec), 0).UTC(), true
}

func rollupKey(r *types.HourlyRollup) []byte {
	p := types.PartitionFor(r.Table(), r.HourStart)
	return newKey(prefixRollup).
		str(p.Table.String()).
		str(p.DayString()).
		ts(r.HourStart).
		str(r.DeviceID).
		str(r.Key).
		str(r.SubKey).
		bytes()
}

func bucketPrefix(p types.Partition, hour time.Time) []byte {
	return newKey(prefixRollup).
		str(p.Table.String()).
		str(p.DayString()).
		ts(hour).
		prefix()
}

func latestKey(table types.Table, device, key, subKey string) []byte {
	return newKey(prefixLatest).
		str(table.String()).
		str(device).
		str(key).
		str(subKey).
		bytes()
}

func latestTablePrefix(table types.Table) []byte {
	return newKey(prefixLatest).str(table.String()).prefix()
}

// latestKeyDevice returns the device component of a latest key.
func latestKeyDevice(key []byte, table types.Table) string {
	rest := key[len(latestTablePrefix(table)):]
	if i := bytes.IndexByte(rest, sep); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}

func catalogKey(p types.Partition) []byte {
	return newKey(prefixCatalog).str(p.Table.String()).str(p.DayString()).bytes()
}

func catalogTablePrefix(table types.Table) []byte {
	return newKey(prefixCatalog).str(table.String()).prefix()
}

// catalogKeyDay parses the day of a catalog key.
func catalogKeyDay(key []byte, table types.Table) (time.Time, bool) {
	day := key[len(catalogTablePrefix(table)):]
	t, err := time.Parse("20060102", string(day))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
