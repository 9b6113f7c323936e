package alerting

import (
	"context"
	"testing"

	"github.com/xtxerr/bandwatch/internal/alertstore"
	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/logging"
)

func TestChannelDispatcher(t *testing.T) {
	ctx := context.Background()
	store, err := alertstore.Open(ctx, alertstore.Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	channels := []*alertstore.NotificationChannel{
		{Name: "audit", Type: alertstore.ChannelLog, Enabled: true},
		{Name: "hook", Type: alertstore.ChannelWebhook, Enabled: true, Settings: map[string]string{"url": "http://example.invalid"}},
		{Name: "muted", Type: alertstore.ChannelLog, Enabled: false},
		{Name: "mail", Type: alertstore.ChannelSMTP, Enabled: true},
	}
	for _, c := range channels {
		if err := store.CreateChannel(ctx, c); err != nil {
			t.Fatalf("create channel: %v", err)
		}
	}

	d := NewChannelDispatcher(store, logging.Discard())

	var hooked []string
	d.Register(alertstore.ChannelWebhook, SenderFunc(func(_ context.Context, ch alertstore.NotificationChannel, ev AlertEvent) error {
		hooked = append(hooked, ch.Settings["url"]+" "+ev.DeviceID)
		return nil
	}))

	ev := AlertEvent{HistoryID: 7, DeviceID: "fw1", MetricType: "cpu", Severity: alertstore.SeverityCritical}

	res, err := d.Dispatch(ctx, ev, []uint{channels[0].ID, channels[1].ID})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Delivered != 2 || res.Failed() != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(hooked) != 1 || hooked[0] != "http://example.invalid fw1" {
		t.Errorf("webhook calls = %v", hooked)
	}

	tests := []struct {
		name string
		id   uint
	}{
		{"unknown", 99},
		{"disabled", channels[2].ID},
		{"no sender", channels[3].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Dispatch(ctx, ev, []uint{channels[0].ID, tt.id})
			if !errors.IsConfiguration(err) {
				t.Fatalf("error = %v, want configuration error", err)
			}
			if res.Delivered != 1 || res.Failed() != 1 {
				t.Errorf("result = %+v", res)
			}
			if res.Channels[1].ChannelID != tt.id {
				t.Errorf("failed channel = %d, want %d", res.Channels[1].ChannelID, tt.id)
			}
		})
	}
}

func TestChannelDispatcherNoChannels(t *testing.T) {
	d := NewChannelDispatcher(nil, logging.Discard())
	res, err := d.Dispatch(context.Background(), AlertEvent{}, nil)
	if err != nil || res.Delivered != 0 {
		t.Errorf("Dispatch = %+v, %v", res, err)
	}
}

func TestEngineWithChannelDispatcher(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// The rule points at a channel that was never created.
	f.engine.dispatcher = NewChannelDispatcher(f.rules, logging.Discard())
	f.rule(t, cpuRule())
	f.gauge(t, "fw1", "cpu", 95, t0)

	r := f.engine.Tick(ctx, t0)
	if r.Triggered != 1 || r.DispatchFailures != 1 {
		t.Fatalf("tick = %+v", r)
	}
	if n := len(f.history(t)); n != 1 {
		t.Errorf("history rows = %d, want 1", n)
	}
}
