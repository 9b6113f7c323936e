package provision

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/xtxerr/bandwatch/internal/alertstore"
)

// =============================================================================
// Hash Builder
// =============================================================================

// HashBuilder builds content hashes for change detection.
//
//	hash := NewHashBuilder().
//	    String(ch.Name).
//	    StringMap(ch.Settings).
//	    Bool(ch.Enabled).
//	    Build()
//
// Same inputs always produce the same output. Order of calls matters.
type HashBuilder struct {
	d   *xxhash.Digest
	buf [8]byte
}

// NewHashBuilder creates a hash builder.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{d: xxhash.New()}
}

// String adds a string value.
func (b *HashBuilder) String(s string) *HashBuilder {
	_, _ = b.d.WriteString(s)
	_, _ = b.d.Write([]byte{0})
	return b
}

// StringMap adds a map with keys in sorted order.
func (b *HashBuilder) StringMap(m map[string]string) *HashBuilder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	b.Uint64(uint64(len(keys)))
	for _, k := range keys {
		b.String(k).String(m[k])
	}
	return b
}

// Uint64 adds an unsigned integer.
func (b *HashBuilder) Uint64(v uint64) *HashBuilder {
	binary.LittleEndian.PutUint64(b.buf[:], v)
	_, _ = b.d.Write(b.buf[:])
	return b
}

// Uints adds a slice, keeping its order.
func (b *HashBuilder) Uints(vs []uint) *HashBuilder {
	b.Uint64(uint64(len(vs)))
	for _, v := range vs {
		b.Uint64(uint64(v))
	}
	return b
}

// Float adds a float by its bit pattern.
func (b *HashBuilder) Float(f float64) *HashBuilder {
	return b.Uint64(math.Float64bits(f))
}

// Bool adds a boolean.
func (b *HashBuilder) Bool(v bool) *HashBuilder {
	if v {
		_, _ = b.d.Write([]byte{1})
	} else {
		_, _ = b.d.Write([]byte{0})
	}
	return b
}

// OptionalInt adds an int pointer (nil-safe).
func (b *HashBuilder) OptionalInt(p *int) *HashBuilder {
	if p == nil {
		return b.Bool(false)
	}
	return b.Bool(true).Uint64(uint64(*p))
}

// Build returns the hash value.
func (b *HashBuilder) Build() uint64 {
	return b.d.Sum64()
}

// =============================================================================
// Entity hashes
// =============================================================================

// channelHash covers every field provisioning manages. Source is excluded
// so adopting an API channel with identical content is a no-op.
func channelHash(c *alertstore.NotificationChannel) uint64 {
	return NewHashBuilder().
		String(c.Name).
		String(c.Type).
		StringMap(c.Settings).
		Bool(c.Enabled).
		Build()
}

func ruleHash(c *alertstore.AlertConfig) uint64 {
	return NewHashBuilder().
		String(c.Name).
		String(c.Description).
		String(c.DeviceID).
		String(c.MetricType).
		Float(c.ThresholdValue).
		String(string(c.ThresholdOperator)).
		String(string(c.Severity)).
		Bool(c.Enabled).
		Uints(c.ChannelIDs).
		OptionalInt(c.CooldownSeconds).
		Build()
}
