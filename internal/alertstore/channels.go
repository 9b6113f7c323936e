package alertstore

import (
	"context"
	"fmt"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// CreateChannel validates and inserts a channel.
func (s *Store) CreateChannel(ctx context.Context, c *NotificationChannel) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.ID = 0
	if c.Source == "" {
		c.Source = SourceAPI
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("insert notification channel: %w", err)
	}
	return nil
}

// UpdateChannel replaces every mutable field of an existing channel.
func (s *Store) UpdateChannel(ctx context.Context, c *NotificationChannel) error {
	if c.ID == 0 {
		return errors.NewMissingField("id")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	// An empty source keeps the stored one.
	omit := []string{"id", "created_at"}
	if c.Source == "" {
		omit = append(omit, "source")
	}

	res := s.db.WithContext(ctx).
		Model(&NotificationChannel{ID: c.ID}).
		Select("*").
		Omit(omit...).
		Updates(c)
	if res.Error != nil {
		return fmt.Errorf("update notification channel: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NewNotFound("notification channel", c.ID)
	}
	return nil
}

// GetChannel returns a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id uint) (*NotificationChannel, error) {
	var c NotificationChannel
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, "notification channel", id)
	}
	return &c, nil
}

// ListChannels returns every channel ordered by ID.
func (s *Store) ListChannels(ctx context.Context) ([]NotificationChannel, error) {
	var out []NotificationChannel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list notification channels: %w", err)
	}
	return out, nil
}

// ChannelsByID returns the channels among ids that exist.
func (s *Store) ChannelsByID(ctx context.Context, ids []uint) (map[uint]NotificationChannel, error) {
	out := make(map[uint]NotificationChannel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var rows []NotificationChannel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load notification channels: %w", err)
	}
	for _, c := range rows {
		out[c.ID] = c
	}
	return out, nil
}

// DeleteChannel removes a channel. Rules referring to it fail at dispatch.
func (s *Store) DeleteChannel(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&NotificationChannel{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete notification channel: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NewNotFound("notification channel", id)
	}
	return nil
}
