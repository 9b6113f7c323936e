// Package logging provides structured logging for bandwatch.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("rollup")
//	log.Info("run finished", "table", "application/hourly", "buckets", 3)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	l := slog.New(handler)

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// ParseLevel converts a config level name ("debug", "info", "warn",
// "error") into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func current() *slog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()

	if l == nil {
		Init(slog.LevelInfo, false)
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
func Component(name string) *slog.Logger {
	return current().With("component", name)
}

// FromContext returns a component logger enriched with the run-scoped
// values stored in ctx.
func FromContext(ctx context.Context, component string) *slog.Logger {
	l := Component(component)

	if runID, ok := ctx.Value(contextKeyRunID).(string); ok {
		l = l.With("run_id", runID)
	}
	if device, ok := ctx.Value(contextKeyDevice).(string); ok {
		l = l.With("device", device)
	}
	if table, ok := ctx.Value(contextKeyTable).(string); ok {
		l = l.With("table", table)
	}

	return l
}

type contextKey int

const (
	contextKeyRunID contextKey = iota
	contextKeyDevice
	contextKeyTable
)

// ContextWithRunID tags the context with an engine run identifier.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeyRunID, runID)
}

// ContextWithDevice tags the context with a device identifier.
func ContextWithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, contextKeyDevice, device)
}

// ContextWithTable tags the context with a logical table name.
func ContextWithTable(ctx context.Context, table string) context.Context {
	return context.WithValue(ctx, contextKeyTable, table)
}

// Discard returns a logger that drops everything. Used by tests that do
// not care about log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
