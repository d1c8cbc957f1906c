// Package logger provides structured logging for the USP agent and the
// severity-tagged sink used by the error-reporting core.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Logger wraps slog.Logger with agent-specific functionality
type Logger struct {
	*slog.Logger
	// base carries every attribute except component
	base      *slog.Logger
	component string
	verbosity Verbosity
	closer    io.Closer
}

// Config holds logger configuration
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string // Component name for logs
	Version   string
}

// New creates a new logger instance
func New(cfg Config) (*Logger, error) {
	verbosity := ParseVerbosity(cfg.Level)

	// Determine output writer
	var writer io.Writer
	var closer io.Closer
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
		closer = file
	}

	l := NewWithWriter(writer, cfg.Format, verbosity, cfg.Component, cfg.Version)
	l.closer = closer
	return l, nil
}

// NewWithWriter creates a logger writing to w. Used by tests and by callers
// that already own an output stream.
func NewWithWriter(w io.Writer, format string, verbosity Verbosity, component, version string) *Logger {
	// Puts hands records to the handler directly, so only the leveled
	// helpers are filtered by this level.
	opts := &slog.HandlerOptions{
		Level: verbosity.slogLevel(),
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	if version == "" {
		version = "dev"
	}

	base := slog.New(handler).With(
		"service", "usp-agent",
		"version", version,
	)

	return &Logger{
		Logger:    base.With("component", component),
		base:      base,
		component: component,
		verbosity: verbosity,
	}
}

// Initialize builds a logger from cfg and installs it as the global logger.
// A later call replaces the previous global; closing it stays with the caller.
func Initialize(cfg Config) (*Logger, error) {
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Component == "" {
		cfg.Component = "agent"
	}

	l, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	SetGlobal(l)

	l.Info("logger initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"output", cfg.Output,
	)
	return l, nil
}

// SetGlobal replaces the global logger
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	// Fallback to default logger if not initialized. stdout carries the
	// response stream, so logs never go there by default.
	return NewWithWriter(os.Stderr, "text", VerbosityInfo, "agent", "")
}

// WithComponent returns a new logger with the component name set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.base.With("component", component),
		base:      l.base,
		component: component,
		verbosity: l.verbosity,
	}
}

// WithRequestID returns a new logger with a request ID for tracing
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("request_id", requestID),
		base:      l.base.With("request_id", requestID),
		component: l.component,
		verbosity: l.verbosity,
	}
}

// Verbosity returns the configured verbosity
func (l *Logger) Verbosity() Verbosity {
	return l.verbosity
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// Puts writes a single line tagged with the given log type. The record is
// handed to the handler directly; the caller has already decided that the
// line should be emitted.
func (l *Logger) Puts(t LogType, text string) {
	l.write(t, text)
}

// Callstack logs the calling goroutine's stack, one frame per line
func (l *Logger) Callstack() {
	frames := CaptureStack(1)
	l.write(LogTypeDebug, "callstack:\n"+FormatStack(frames), slog.Int("frames", len(frames)))
}

// ErrorEvent logs an error with context
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}

	allAttrs := append(baseAttrs, attrs...)

	l.LogAttrs(ctx, slog.LevelError, message, allAttrs...)
}

// Close releases the log file, if the logger owns one
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) write(t LogType, text string, attrs ...slog.Attr) {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), t.slogLevel(), text, pcs[0])
	r.AddAttrs(slog.String("type", t.String()))
	r.AddAttrs(attrs...)
	_ = l.Handler().Handle(context.Background(), r)
}

// Convenience methods that use global logger

// Info logs an info message
func Info(msg string, args ...any) {
	Global().Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	Global().Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	Global().Error(msg, args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	Global().Debug(msg, args...)
}
