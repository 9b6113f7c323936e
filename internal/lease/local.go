package lease

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xtxerr/bandwatch/internal/errors"
)

const localShards = 16

// Local hands out leases within one process. Used by one-shot CLI
// commands and tests that run without the alert database.
type Local struct {
	shards [localShards]localShard
	now    func() time.Time
}

type localShard struct {
	mu   sync.Mutex
	held map[string]localEntry
}

type localEntry struct {
	holder  string
	expires time.Time
}

// NewLocal creates an in-process lease table.
func NewLocal(opts ...Option) *Local {
	o := buildOptions(opts)
	l := &Local{now: o.now}
	for i := range l.shards {
		l.shards[i].held = make(map[string]localEntry)
	}
	return l
}

func (l *Local) shard(unit string) *localShard {
	return &l.shards[xxhash.Sum64String(unit)%localShards]
}

// TryAcquire implements Locker.
func (l *Local) TryAcquire(ctx context.Context, unit string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if unit == "" {
		return nil, errors.NewMissingField("unit")
	}
	if ttl <= 0 {
		return nil, errors.NewInvalidValue("ttl", ttl, "must be positive")
	}

	sh := l.shard(unit)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	if cur, ok := sh.held[unit]; ok && now.Before(cur.expires) {
		return nil, heldError(unit, cur.holder)
	}

	entry := localEntry{holder: NewHolderID(), expires: now.Add(ttl)}
	sh.held[unit] = entry

	return &Lease{
		Unit:      unit,
		Holder:    entry.holder,
		ExpiresAt: entry.expires,
		release: func(context.Context) error {
			sh.mu.Lock()
			defer sh.mu.Unlock()
			if cur, ok := sh.held[unit]; ok && cur.holder == entry.holder {
				delete(sh.held, unit)
			}
			return nil
		},
	}, nil
}
