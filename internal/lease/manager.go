package lease

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// Record is the persisted form of a lease.
type Record struct {
	Unit   string `gorm:"primaryKey;size:255"`
	Holder string `gorm:"size:64;not null"`
	// ExpiresAt is unix milliseconds so expiry compares numerically in SQL.
	ExpiresAt int64 `gorm:"not null;index"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return "leases" }

// Option configures a lease manager.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Manager hands out leases stored in the alert database, so every daemon
// sharing that database serializes on the same units.
type Manager struct {
	db  *gorm.DB
	now func() time.Time
}

// NewManager migrates the leases table and returns a manager.
func NewManager(ctx context.Context, db *gorm.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("lease: nil database")
	}
	if err := db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate leases: %w", err)
	}
	o := buildOptions(opts)
	return &Manager{db: db, now: o.now}, nil
}

// TryAcquire takes the lease of unit for ttl. It returns ErrLeaseHeld
// when an unexpired lease of another holder exists. Expired leases are
// reclaimed.
func (m *Manager) TryAcquire(ctx context.Context, unit string, ttl time.Duration) (*Lease, error) {
	if unit == "" {
		return nil, errors.NewMissingField("unit")
	}
	if ttl <= 0 {
		return nil, errors.NewInvalidValue("ttl", ttl, "must be positive")
	}

	now := m.now()
	rec := Record{
		Unit:      unit,
		Holder:    NewHolderID(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	// Insert, or take over the row only when it has expired.
	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unit"}},
		DoUpdates: clause.AssignmentColumns([]string{"holder", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "leases.expires_at <= ?", Vars: []interface{}{now.UnixMilli()}},
		}},
	}).Create(&rec)
	if res.Error != nil {
		return nil, errors.NewTransient("acquire lease "+unit, res.Error)
	}

	if res.RowsAffected == 0 {
		var cur Record
		if err := m.db.WithContext(ctx).Where("unit = ?", unit).Take(&cur).Error; err != nil {
			return nil, heldError(unit, "unknown holder")
		}
		return nil, heldError(unit, cur.Holder)
	}

	return &Lease{
		Unit:      unit,
		Holder:    rec.Holder,
		ExpiresAt: time.UnixMilli(rec.ExpiresAt).UTC(),
		release: func(ctx context.Context) error {
			return m.release(ctx, unit, rec.Holder)
		},
	}, nil
}

func (m *Manager) release(ctx context.Context, unit, holder string) error {
	err := m.db.WithContext(ctx).
		Where("unit = ? AND holder = ?", unit, holder).
		Delete(&Record{}).Error
	if err != nil {
		return errors.NewTransient("release lease "+unit, err)
	}
	return nil
}

// List returns all lease rows, expired ones included.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	var out []Record
	if err := m.db.WithContext(ctx).Order("unit ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return out, nil
}
