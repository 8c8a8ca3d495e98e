// Package observability holds the structured record layer: slog-backed
// logging, operation event records with pluggable sinks, OpenTelemetry
// metrics behind a Prometheus endpoint, and optional tracing.
//
// Components keep depending on the printf-style logging.Logger interface;
// the delivery boundary builds its loggers here so every record carries a
// correlation id and a machine-readable shape.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"foreman/internal/logging"
	"foreman/internal/shared/utils/id"
)

// Logger wraps slog for structured logging.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger creates a structured logger writing one record per event.
func NewLogger(config LogConfig) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if config.Format == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

// WithContext stamps the correlation and task ids carried by ctx onto every
// record the returned logger emits.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any

	if corr, ok := id.CorrelationIDFromContext(ctx); ok {
		args = append(args, "correlation_id", corr)
	}
	if taskID, ok := id.TaskIDFromContext(ctx); ok {
		args = append(args, "task_id", taskID)
	}

	if len(args) == 0 {
		return l
	}

	return &Logger{
		logger: l.logger.With(args...),
	}
}

// With adds fixed fields to the logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at debug level with context ids.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs at info level with context ids.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs at warn level with context ids.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs at error level with context ids.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// Printf adapts the structured logger to the printf-style logging.Logger
// interface the rest of the codebase depends on, scoped to one component.
func (l *Logger) Printf(component string) logging.Logger {
	return printfBridge{logger: l.logger.With("component", component)}
}

type printfBridge struct {
	logger *slog.Logger
}

func (b printfBridge) Debug(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b printfBridge) Info(format string, args ...any) {
	b.logger.Info(fmt.Sprintf(format, args...))
}

func (b printfBridge) Warn(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b printfBridge) Error(format string, args ...any) {
	b.logger.Error(fmt.Sprintf(format, args...))
}
