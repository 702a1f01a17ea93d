package log

import (
	"context"
	"log/slog"
	"sync"

	"github.com/forgeops/foreman/internal/errors"
)

// Logger provides structured logging with slog
type Logger struct {
	slog   *slog.Logger
	config Config
}

// New creates a new Logger with the given configuration
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{
		Level:     config.Level.ToSlogLevel(),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	logger := slog.New(handler)
	if config.ServiceName != "" {
		logger = logger.With("service", config.ServiceName)
	}

	return &Logger{slog: logger, config: config}
}

// Default creates a logger with default configuration
func Default() *Logger {
	return New(DefaultConfig())
}

// With returns a new Logger with the given attributes added to all log entries
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), config: l.config}
}

// WithComponent returns a new Logger scoped to a kernel component
// (ledger, router, wip, health, observe).
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// InfoContext logs an info message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}

// LogError logs a ForemanError with full structured details.
// Plain errors are logged with just the error string.
func (l *Logger) LogError(err error) {
	if err == nil {
		return
	}

	if fe, ok := err.(*errors.ForemanError); ok {
		args := []any{
			"error_code", string(fe.Code),
			"error_message", fe.Message,
		}
		if len(fe.Suggestions) > 0 {
			args = append(args, "suggestions", fe.Suggestions)
		}
		if fe.Cause != nil {
			args = append(args, "cause", fe.Cause.Error())
		}
		l.Error("operation failed", args...)
		return
	}

	l.Error("operation failed", "error", err.Error())
}

var (
	defaultLogger *Logger
	loggerMu      sync.RWMutex
)

// SetDefault sets the process-wide default logger.
func SetDefault(logger *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = logger
}

// L returns the process-wide default logger, initializing one lazily
// with standard defaults when none was configured.
func L() *Logger {
	loggerMu.RLock()
	if defaultLogger != nil {
		defer loggerMu.RUnlock()
		return defaultLogger
	}
	loggerMu.RUnlock()

	logger := Default()
	SetDefault(logger)
	return logger
}
