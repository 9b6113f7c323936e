package alertstore

import (
	"math"
	"time"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/validation"
)

// Operator is a threshold comparison.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Compare evaluates actual <o> threshold.
func (o Operator) Compare(actual, threshold float64) bool {
	switch o {
	case OpGreater:
		return actual > threshold
	case OpLess:
		return actual < threshold
	case OpGreaterEqual:
		return actual >= threshold
	case OpLessEqual:
		return actual <= threshold
	case OpEqual:
		return actual == threshold
	case OpNotEqual:
		return actual != threshold
	}
	return false
}

// Sources record where a rule or channel was defined.
const (
	SourceAPI  = "api"
	SourceYAML = "yaml"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// AlertConfig is a threshold rule for one device metric.
type AlertConfig struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:255" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	DeviceID          string   `gorm:"size:128;not null;index" json:"device_id"`
	MetricType        string   `gorm:"size:255;not null" json:"metric_type"`
	ThresholdValue    float64  `gorm:"not null" json:"threshold_value"`
	ThresholdOperator Operator `gorm:"size:2;not null" json:"threshold_operator"`
	Severity          Severity `gorm:"size:16;not null" json:"severity"`
	Enabled           bool     `gorm:"not null;index" json:"enabled"`

	// ChannelIDs are resolved by the dispatcher, not checked on write.
	ChannelIDs []uint `gorm:"serializer:json" json:"channel_ids"`

	// CooldownSeconds overrides the engine default when set.
	CooldownSeconds *int `json:"cooldown_seconds,omitempty"`

	Source string `gorm:"size:16;not null;default:api;index" json:"source"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Validate checks the rule. The returned error matches errors.ErrValidation.
func (c *AlertConfig) Validate() error {
	errs := errors.NewValidationErrors()

	errs.Add(validation.ValidateDeviceID(c.DeviceID))
	if c.MetricType == "" {
		errs.AddMissing("metric_type")
	} else if _, err := ParseMetric(c.MetricType); err != nil {
		errs.Add(err)
	}
	if !c.ThresholdOperator.Valid() {
		errs.AddField("threshold_operator", "must be one of >, <, >=, <=, ==, !=")
	}
	if !c.Severity.Valid() {
		errs.AddField("severity", "must be info, warning or critical")
	}
	if math.IsNaN(c.ThresholdValue) || math.IsInf(c.ThresholdValue, 0) {
		errs.AddField("threshold_value", "not a finite number")
	}
	if c.CooldownSeconds != nil && *c.CooldownSeconds < 0 {
		errs.AddField("cooldown_seconds", "must be non-negative")
	}

	return errs.Err()
}

// Cooldown returns the rule's cooldown, or def when the rule has none.
func (c *AlertConfig) Cooldown(def time.Duration) time.Duration {
	if c.CooldownSeconds == nil {
		return def
	}
	return time.Duration(*c.CooldownSeconds) * time.Second
}

// HistoryState is derived from the acknowledge and resolve fields.
type HistoryState string

const (
	StateTriggered    HistoryState = "triggered"
	StateAcknowledged HistoryState = "acknowledged"
	StateResolved     HistoryState = "resolved"
)

// AlertHistory records one trigger. Rows are never deleted except by the
// history retention sweep.
type AlertHistory struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TriggeredAt time.Time `gorm:"not null;index" json:"triggered_at"`

	// AlertConfigID may dangle once the config is deleted.
	AlertConfigID uint   `gorm:"not null;index:idx_history_pair,priority:1" json:"alert_config_id"`
	DeviceID      string `gorm:"size:128;not null;index:idx_history_pair,priority:2" json:"device_id"`

	MetricType        string   `gorm:"size:255;not null" json:"metric_type"`
	ThresholdValue    float64  `json:"threshold_value"`
	ThresholdOperator Operator `gorm:"size:2" json:"threshold_operator"`
	ActualValue       float64  `json:"actual_value"`
	Severity          Severity `gorm:"size:16;not null;index" json:"severity"`
	Message           string   `gorm:"type:text" json:"message"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `gorm:"size:255" json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `gorm:"index" json:"resolved_at,omitempty"`
	ResolvedReason string     `gorm:"type:text" json:"resolved_reason,omitempty"`
}

// TableName sets the table name.
func (AlertHistory) TableName() string { return "alert_history" }

// State returns the derived state of the row.
func (h *AlertHistory) State() HistoryState {
	switch {
	case h.ResolvedAt != nil:
		return StateResolved
	case h.AcknowledgedAt != nil:
		return StateAcknowledged
	default:
		return StateTriggered
	}
}

// AlertCooldown suppresses re-triggering of one rule on one device.
type AlertCooldown struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	DeviceID          string    `gorm:"size:128;not null;uniqueIndex:idx_cooldown_pair,priority:1" json:"device_id"`
	AlertConfigID     uint      `gorm:"not null;uniqueIndex:idx_cooldown_pair,priority:2" json:"alert_config_id"`
	LastTriggeredAt   time.Time `gorm:"not null" json:"last_triggered_at"`
	CooldownExpiresAt time.Time `gorm:"not null" json:"cooldown_expires_at"`
}

// Active reports whether the cooldown suppresses triggers at now.
func (c *AlertCooldown) Active(now time.Time) bool {
	return c.CooldownExpiresAt.After(now)
}

// MaintenanceWindow suppresses triggers for a device, or for every device
// when DeviceID is nil.
type MaintenanceWindow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  *string   `gorm:"size:128;index" json:"device_id,omitempty"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	StartTime time.Time `gorm:"not null;index" json:"start_time"`
	EndTime   time.Time `gorm:"not null;index" json:"end_time"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Validate checks the window.
func (w *MaintenanceWindow) Validate() error {
	errs := errors.NewValidationErrors()

	if w.Name == "" {
		errs.AddMissing("name")
	}
	if w.DeviceID != nil {
		if *w.DeviceID == "" {
			errs.AddField("device_id", "must be omitted for a global window")
		} else {
			errs.Add(validation.ValidateDeviceID(*w.DeviceID))
		}
	}
	if w.StartTime.IsZero() {
		errs.AddMissing("start_time")
	}
	if w.EndTime.IsZero() {
		errs.AddMissing("end_time")
	}
	if !w.StartTime.IsZero() && !w.EndTime.IsZero() && !w.EndTime.After(w.StartTime) {
		errs.AddField("end_time", "must be after start_time")
	}

	return errs.Err()
}

// Global reports whether the window applies to every device.
func (w *MaintenanceWindow) Global() bool {
	return w.DeviceID == nil
}

// Covers reports whether the window suppresses triggers of deviceID at now.
func (w *MaintenanceWindow) Covers(deviceID string, now time.Time) bool {
	if !w.Enabled {
		return false
	}
	if w.DeviceID != nil && *w.DeviceID != deviceID {
		return false
	}
	return !now.Before(w.StartTime) && now.Before(w.EndTime)
}

// Channel types.
const (
	ChannelSMTP    = "smtp"
	ChannelWebhook = "webhook"
	ChannelLog     = "log"
)

// NotificationChannel is a dispatch target. Settings are opaque to the core.
type NotificationChannel struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Name      string            `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Type      string            `gorm:"size:32;not null" json:"type"`
	Settings  map[string]string `gorm:"serializer:json" json:"settings,omitempty"`
	Enabled   bool              `gorm:"not null" json:"enabled"`
	Source    string            `gorm:"size:16;not null;default:api;index" json:"source"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// Validate checks the channel.
func (c *NotificationChannel) Validate() error {
	errs := errors.NewValidationErrors()

	errs.Add(validation.ValidateChannelName(c.Name))
	switch c.Type {
	case ChannelSMTP, ChannelWebhook, ChannelLog:
	case "":
		errs.AddMissing("type")
	default:
		errs.AddField("type", "must be smtp, webhook or log")
	}

	return errs.Err()
}
