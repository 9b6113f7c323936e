package alertstore

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// CreateConfig validates and inserts a rule. cfg.ID is set on return.
func (s *Store) CreateConfig(ctx context.Context, cfg *AlertConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ID = 0
	if cfg.Source == "" {
		cfg.Source = SourceAPI
	}
	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return fmt.Errorf("insert alert config: %w", err)
	}
	return nil
}

// UpdateConfig replaces every mutable field of an existing rule.
func (s *Store) UpdateConfig(ctx context.Context, cfg *AlertConfig) error {
	if cfg.ID == 0 {
		return errors.NewMissingField("id")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// An empty source keeps the stored one.
	omit := []string{"id", "created_at"}
	if cfg.Source == "" {
		omit = append(omit, "source")
	}

	res := s.db.WithContext(ctx).
		Model(&AlertConfig{ID: cfg.ID}).
		Select("*").
		Omit(omit...).
		Updates(cfg)
	if res.Error != nil {
		return fmt.Errorf("update alert config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NewNotFound("alert config", cfg.ID)
	}

	updated, err := s.GetConfig(ctx, cfg.ID)
	if err != nil {
		return err
	}
	*cfg = *updated
	return nil
}

// SetEnabled enables or disables a rule without touching its history.
func (s *Store) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&AlertConfig{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("update alert config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NewNotFound("alert config", id)
	}
	return nil
}

// GetConfig returns a rule by ID.
func (s *Store) GetConfig(ctx context.Context, id uint) (*AlertConfig, error) {
	var cfg AlertConfig
	if err := s.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return nil, notFound(err, "alert config", id)
	}
	return &cfg, nil
}

// ListConfigs returns every rule ordered by ID.
func (s *Store) ListConfigs(ctx context.Context) ([]AlertConfig, error) {
	var out []AlertConfig
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	return out, nil
}

// EnabledConfigs returns the enabled rules in insertion order.
func (s *Store) EnabledConfigs(ctx context.Context) ([]AlertConfig, error) {
	var out []AlertConfig
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list enabled alert configs: %w", err)
	}
	return out, nil
}

// DeleteConfig removes a rule and its cooldown rows. History rows are kept
// and keep referring to the deleted ID.
func (s *Store) DeleteConfig(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("alert_config_id = ?", id).Delete(&AlertCooldown{}).Error; err != nil {
			return fmt.Errorf("delete cooldowns: %w", err)
		}
		res := tx.Delete(&AlertConfig{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete alert config: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.NewNotFound("alert config", id)
		}
		return nil
	})
}
