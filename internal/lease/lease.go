// Package lease serializes units of background work.
//
// A unit is a string such as "rollup/client/hourly" or "evaluate/fw1".
// Engines try to acquire the lease of a unit before working on it and
// skip the unit when another holder has it. Leases expire after their TTL
// so a crashed or stuck run never blocks a unit forever.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// Locker hands out leases. Implemented by Manager (shared database) and
// Local (single process).
type Locker interface {
	TryAcquire(ctx context.Context, unit string, ttl time.Duration) (*Lease, error)
}

// Lease is a held lease on one unit.
type Lease struct {
	Unit      string
	Holder    string
	ExpiresAt time.Time

	release func(ctx context.Context) error
}

// Release gives the lease up. Releasing an expired lease that another
// holder reclaimed is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	return l.release(ctx)
}

// NewHolderID returns a random holder identity.
func NewHolderID() string {
	return uuid.NewString()
}

// Unit builds a unit name from its parts, e.g. Unit("rollup", "client/hourly").
func Unit(kind string, parts ...string) string {
	u := kind
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func heldError(unit, holder string) error {
	return fmt.Errorf("unit %s held by %s: %w", unit, holder, errors.ErrLeaseHeld)
}

// IsHeld reports whether err means the unit is leased elsewhere.
func IsHeld(err error) bool {
	return errors.Is(err, errors.ErrLeaseHeld)
}
