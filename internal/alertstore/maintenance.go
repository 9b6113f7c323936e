package alertstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// CreateMaintenance validates and inserts a window.
func (s *Store) CreateMaintenance(ctx context.Context, w *MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.ID = 0
	w.StartTime, w.EndTime = w.StartTime.UTC(), w.EndTime.UTC()
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("insert maintenance window: %w", err)
	}
	return nil
}

// UpdateMaintenance replaces every mutable field of an existing window.
func (s *Store) UpdateMaintenance(ctx context.Context, w *MaintenanceWindow) error {
	if w.ID == 0 {
		return errors.NewMissingField("id")
	}
	if err := w.Validate(); err != nil {
		return err
	}
	w.StartTime, w.EndTime = w.StartTime.UTC(), w.EndTime.UTC()

	res := s.db.WithContext(ctx).
		Model(&MaintenanceWindow{ID: w.ID}).
		Select("*").
		Omit("id", "created_at").
		Updates(w)
	if res.Error != nil {
		return fmt.Errorf("update maintenance window: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NewNotFound("maintenance window", w.ID)
	}
	return nil
}

// GetMaintenance returns a window by ID.
func (s *Store) GetMaintenance(ctx context.Context, id uint) (*MaintenanceWindow, error) {
	var w MaintenanceWindow
	if err := s.db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, notFound(err, "maintenance window", id)
	}
	return &w, nil
}

// ListMaintenance returns every window ordered by start time.
func (s *Store) ListMaintenance(ctx context.Context) ([]MaintenanceWindow, error) {
	var out []MaintenanceWindow
	if err := s.db.WithContext(ctx).Order("start_time ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}
	return out, nil
}

// DeleteMaintenance removes a window.
func (s *Store) DeleteMaintenance(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&MaintenanceWindow{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete maintenance window: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NewNotFound("maintenance window", id)
	}
	return nil
}

// ActiveMaintenance returns the enabled windows, global or for deviceID,
// with StartTime <= now < EndTime.
func (s *Store) ActiveMaintenance(ctx context.Context, deviceID string, now time.Time) ([]MaintenanceWindow, error) {
	var candidates []MaintenanceWindow
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("device_id IS NULL OR device_id = ?", deviceID).
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}

	var out []MaintenanceWindow
	for _, w := range candidates {
		if w.Covers(deviceID, now) {
			out = append(out, w)
		}
	}
	return out, nil
}
