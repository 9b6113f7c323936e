package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

// AlertEvent is a triggered alert handed to the dispatcher.
type AlertEvent struct {
	HistoryID   uint                `json:"history_id"`
	ConfigID    uint                `json:"alert_config_id"`
	ConfigName  string              `json:"alert_name,omitempty"`
	DeviceID    string              `json:"device_id"`
	MetricType  string              `json:"metric_type"`
	Operator    alertstore.Operator `json:"threshold_operator"`
	Threshold   float64             `json:"threshold_value"`
	ActualValue float64             `json:"actual_value"`
	Severity    alertstore.Severity `json:"severity"`
	Message     string              `json:"message"`
	TriggeredAt time.Time           `json:"triggered_at"`
}

// ChannelResult is the outcome of one channel.
type ChannelResult struct {
	ChannelID uint
	Name      string
	Type      string
	Err       error
}

// DispatchResult reports a dispatch over several channels.
type DispatchResult struct {
	Delivered int
	Channels  []ChannelResult
}

// Failed returns the number of channels that did not receive the event.
func (r DispatchResult) Failed() int {
	n := 0
	for _, c := range r.Channels {
		if c.Err != nil {
			n++
		}
	}
	return n
}

// Err joins the channel failures.
func (r DispatchResult) Err() error {
	var errs []error
	for _, c := range r.Channels {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("channel %d: %w", c.ChannelID, c.Err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher delivers triggered alerts. Errors never affect alert state.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev AlertEvent, channelIDs []uint) (DispatchResult, error)
}

// Sender delivers an event over one channel type. Channel settings are
// interpreted by the sender only.
type Sender interface {
	Send(ctx context.Context, ch alertstore.NotificationChannel, ev AlertEvent) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch alertstore.NotificationChannel, ev AlertEvent) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, ch alertstore.NotificationChannel, ev AlertEvent) error {
	return f(ctx, ch, ev)
}

// ChannelLookup resolves channel IDs.
type ChannelLookup interface {
	ChannelsByID(ctx context.Context, ids []uint) (map[uint]alertstore.NotificationChannel, error)
}

// ChannelDispatcher resolves channels through the alert store and forwards
// events to the sender registered for each channel type.
type ChannelDispatcher struct {
	channels ChannelLookup
	logger   *slog.Logger

	mu      sync.RWMutex
	senders map[string]Sender
}

// NewChannelDispatcher creates a dispatcher with a LogSender registered for
// the log channel type.
func NewChannelDispatcher(channels ChannelLookup, logger *slog.Logger) *ChannelDispatcher {
	if logger == nil {
		logger = logging.Component("dispatch")
	}
	d := &ChannelDispatcher{
		channels: channels,
		logger:   logger,
		senders:  make(map[string]Sender),
	}
	d.Register(alertstore.ChannelLog, &LogSender{Logger: logger})
	return d
}

// Register sets the sender of a channel type, replacing any earlier one.
func (d *ChannelDispatcher) Register(channelType string, s Sender) {
	d.mu.Lock()
	d.senders[channelType] = s
	d.mu.Unlock()
}

func (d *ChannelDispatcher) sender(channelType string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.senders[channelType]
	return s, ok
}

// Dispatch sends ev to every channel in channelIDs, in order. Unknown and
// disabled channels fail with errors.ErrConfiguration. The returned error
// joins every channel failure.
func (d *ChannelDispatcher) Dispatch(ctx context.Context, ev AlertEvent, channelIDs []uint) (DispatchResult, error) {
	var res DispatchResult
	if len(channelIDs) == 0 {
		return res, nil
	}

	channels, err := d.channels.ChannelsByID(ctx, channelIDs)
	if err != nil {
		return res, errors.NewTransient("resolve channels", err)
	}

	for _, id := range channelIDs {
		cr := ChannelResult{ChannelID: id}

		ch, ok := channels[id]
		switch {
		case !ok:
			cr.Err = errors.NewConfiguration("channel %d does not exist", id)
		case !ch.Enabled:
			cr.Name, cr.Type = ch.Name, ch.Type
			cr.Err = errors.NewConfiguration("channel %q is disabled", ch.Name)
		default:
			cr.Name, cr.Type = ch.Name, ch.Type
			if s, found := d.sender(ch.Type); !found {
				cr.Err = errors.NewConfiguration("no sender for channel type %q", ch.Type)
			} else {
				cr.Err = s.Send(ctx, ch, ev)
			}
		}

		if cr.Err != nil {
			d.logger.Warn("dispatch failed",
				"history_id", ev.HistoryID,
				"channel_id", id,
				"error", cr.Err)
		} else {
			res.Delivered++
		}
		res.Channels = append(res.Channels, cr)
	}

	return res, res.Err()
}

// LogSender writes events to the log.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs ev.
func (s *LogSender) Send(ctx context.Context, ch alertstore.NotificationChannel, ev AlertEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Component("dispatch")
	}

	level := slog.LevelInfo
	if ev.Severity == alertstore.SeverityCritical {
		level = slog.LevelWarn
	}

	logger.Log(ctx, level, "alert",
		"channel", ch.Name,
		"history_id", ev.HistoryID,
		"alert_config_id", ev.ConfigID,
		"device", ev.DeviceID,
		"metric", ev.MetricType,
		"actual", ev.ActualValue,
		"threshold", ev.Threshold,
		"severity", ev.Severity,
		"message", ev.Message)
	return nil
}
