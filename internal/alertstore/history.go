package alertstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xtxerr/bandwatch/internal/errors"
)

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 5000
)

// HistoryFilter selects history rows. Zero fields do not filter.
type HistoryFilter struct {
	DeviceID      string
	AlertConfigID uint
	State         HistoryState
	Severity      Severity

	// From and To bound TriggeredAt to [From, To).
	From time.Time
	To   time.Time

	Limit int
	Desc  bool // newest first
}

// RecordTrigger inserts a triggered history row and sets the rule's
// cooldown in one transaction. h.ID is set on return.
func (s *Store) RecordTrigger(ctx context.Context, h *AlertHistory, cooldownUntil time.Time) error {
	h.ID = 0
	h.TriggeredAt = h.TriggeredAt.UTC()
	h.AcknowledgedAt, h.AcknowledgedBy = nil, ""
	h.ResolvedAt, h.ResolvedReason = nil, ""

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(h).Error; err != nil {
			return fmt.Errorf("insert alert history: %w", err)
		}

		cd := AlertCooldown{
			DeviceID:          h.DeviceID,
			AlertConfigID:     h.AlertConfigID,
			LastTriggeredAt:   h.TriggeredAt,
			CooldownExpiresAt: cooldownUntil.UTC(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "alert_config_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_triggered_at", "cooldown_expires_at"}),
		}).Create(&cd).Error
		if err != nil {
			return fmt.Errorf("upsert cooldown: %w", err)
		}
		return nil
	})
}

// GetHistory returns a history row by ID.
func (s *Store) GetHistory(ctx context.Context, id uint) (*AlertHistory, error) {
	var h AlertHistory
	if err := s.db.WithContext(ctx).First(&h, id).Error; err != nil {
		return nil, notFound(err, "alert history", id)
	}
	return &h, nil
}

// Acknowledge moves a triggered row to acknowledged.
func (s *Store) Acknowledge(ctx context.Context, id uint, by string, at time.Time) (*AlertHistory, error) {
	if by == "" {
		return nil, errors.NewMissingField("acknowledged_by")
	}
	return s.transition(ctx, id, "acknowledge",
		"acknowledged_at IS NULL AND resolved_at IS NULL",
		map[string]any{"acknowledged_at": at.UTC(), "acknowledged_by": by})
}

// Resolve moves a triggered or acknowledged row to resolved.
func (s *Store) Resolve(ctx context.Context, id uint, reason string, at time.Time) (*AlertHistory, error) {
	return s.transition(ctx, id, "resolve",
		"resolved_at IS NULL",
		map[string]any{"resolved_at": at.UTC(), "resolved_reason": reason})
}

// transition applies a conditional update so concurrent transitions of the
// same row cannot both succeed.
func (s *Store) transition(ctx context.Context, id uint, op, guard string, set map[string]any) (*AlertHistory, error) {
	res := s.db.WithContext(ctx).
		Model(&AlertHistory{}).
		Where("id = ?", id).
		Where(guard).
		Updates(set)
	if res.Error != nil {
		return nil, fmt.Errorf("%s alert: %w", op, res.Error)
	}

	h, err := s.GetHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("cannot %s alert %d in state %s: %w", op, id, h.State(), errors.ErrInvalidTransition)
	}
	return h, nil
}

// ListHistory returns history rows matching f, oldest first unless f.Desc.
func (s *Store) ListHistory(ctx context.Context, f HistoryFilter) ([]AlertHistory, error) {
	db := s.db.WithContext(ctx).Model(&AlertHistory{})

	if f.DeviceID != "" {
		db = db.Where("device_id = ?", f.DeviceID)
	}
	if f.AlertConfigID != 0 {
		db = db.Where("alert_config_id = ?", f.AlertConfigID)
	}
	if f.Severity != "" {
		db = db.Where("severity = ?", f.Severity)
	}
	switch f.State {
	case "":
	case StateTriggered:
		db = db.Where("acknowledged_at IS NULL AND resolved_at IS NULL")
	case StateAcknowledged:
		db = db.Where("acknowledged_at IS NOT NULL AND resolved_at IS NULL")
	case StateResolved:
		db = db.Where("resolved_at IS NOT NULL")
	default:
		return nil, errors.NewInvalidValue("state", f.State, "must be triggered, acknowledged or resolved")
	}
	if !f.From.IsZero() {
		db = db.Where("triggered_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		db = db.Where("triggered_at < ?", f.To.UTC())
	}

	if f.Desc {
		db = db.Order("triggered_at DESC").Order("id DESC")
	} else {
		db = db.Order("triggered_at ASC").Order("id ASC")
	}

	var out []AlertHistory
	if err := db.Limit(normalizeLimit(f.Limit)).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alert history: %w", err)
	}
	return out, nil
}

// OpenHistory returns the unresolved rows of one rule on one device.
func (s *Store) OpenHistory(ctx context.Context, configID uint, deviceID string) ([]AlertHistory, error) {
	var out []AlertHistory
	err := s.db.WithContext(ctx).
		Where("alert_config_id = ? AND device_id = ? AND resolved_at IS NULL", configID, deviceID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list open alert history: %w", err)
	}
	return out, nil
}

// DeleteHistoryBefore removes rows triggered before the cutoff.
func (s *Store) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("triggered_at < ?", before.UTC()).Delete(&AlertHistory{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete alert history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetCooldown returns the cooldown row of one rule on one device.
func (s *Store) GetCooldown(ctx context.Context, deviceID string, configID uint) (*AlertCooldown, bool, error) {
	var cd AlertCooldown
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND alert_config_id = ?", deviceID, configID).
		Take(&cd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cooldown: %w", err)
	}
	return &cd, true, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
