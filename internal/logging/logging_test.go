package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		hasError bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if tt.hasError != (err != nil) {
			t.Errorf("ParseLevel(%q): unexpected error state: %v", tt.input, err)
		}
		if got != tt.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.input, tt.expected, got)
		}
	}
}

func TestFromContextAddsRunScope(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	ctx := ContextWithRunID(context.Background(), "run-1")
	ctx = ContextWithDevice(ctx, "fw1")
	ctx = ContextWithTable(ctx, "client/raw")

	FromContext(ctx, "rollup").Info("hello")

	out := buf.String()
	for _, want := range []string{"component=rollup", "run_id=run-1", "device=fw1", "table=client/raw", "msg=hello"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}
