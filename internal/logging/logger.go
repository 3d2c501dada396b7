package logging

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fleet-admin/internal/errors"
	"fleet-admin/internal/topology"
)

// DefaultLogFile is where fleet-admin writes its log unless configured otherwise
const DefaultLogFile = "/var/log/fleet-admin/fleet-admin.log"

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress non-error output
}

// Logger wraps slog.Logger with secure logging practices
type Logger struct {
	logger *slog.Logger
	config Config
	path   string
	closer io.Closer
}

// NewLogger creates a new secure logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: convertLogLevel(config.Level),
	}

	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLogger(Config{Output: io.Discard})
}

// OpenFile creates a logger appending to path. A path the invoking user may
// not write is reported as a PermissionDenied error naming the path.
func OpenFile(path string, config Config) (*Logger, error) {
	if path == "" || path == "-" {
		return NewLogger(config), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		if stderrors.Is(err, fs.ErrPermission) {
			return nil, errors.NewPermissionDeniedError(path, err)
		}
		return nil, errors.NewSetupError("failed to create log directory", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if stderrors.Is(err, fs.ErrPermission) {
			return nil, errors.NewPermissionDeniedError(path, err)
		}
		return nil, errors.NewSetupError("failed to open log file", err)
	}

	config.Output = f
	l := NewLogger(config)
	l.path = path
	l.closer = f
	return l, nil
}

// convertLogLevel converts our LogLevel to slog.Level
func convertLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Path returns the log file path, or "" when logging to a stream
func (l *Logger) Path() string {
	return l.path
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Debug(msg, args...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return // Suppress non-error output in quiet mode
	}
	l.logger.Info(msg, args...)
}

// Warn logs a warning
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// InfoContext logs an informational message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

// ErrorContext logs an error message with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// LogConnection logs SSH connection information securely
func (l *Logger) LogConnection(host topology.Host, user string, duration time.Duration, method string) {
	l.Info("ssh connection established",
		"host", host.Name,
		"role", string(host.Role),
		"user", user,
		"port", host.Port,
		"auth_method", method,
		"duration_ms", duration.Milliseconds(),
		// Note: Never log key paths or passwords
	)
}

// LogConnectionError logs SSH connection errors securely
func (l *Logger) LogConnectionError(host topology.Host, user string, err error) {
	l.Error("ssh connection failed",
		"host", host.Name,
		"user", user,
		"port", host.Port,
		"error", err.Error(),
	)
}

// LogAuthAttempt logs one authentication attempt outcome
func (l *Logger) LogAuthAttempt(host, user, method string, attempt int, err error) {
	if err == nil {
		l.Info("authentication succeeded", "host", host, "user", user, "method", method, "attempt", attempt)
		return
	}
	l.Info("authentication attempt failed",
		"host", host,
		"user", user,
		"method", method,
		"attempt", attempt,
		"error", err.Error(),
	)
}

// LogExecution logs command execution information
func (l *Logger) LogExecution(host topology.Host, exitCode int, duration time.Duration, elevated bool) {
	l.Info("command executed",
		"host", host.Name,
		"exit_code", exitCode,
		"elevated", elevated,
		"duration_ms", duration.Milliseconds(),
		// Note: Never log the actual command for security reasons
	)
}

// LogExecutionError logs command execution errors
func (l *Logger) LogExecutionError(host topology.Host, err error) {
	l.Error("command execution failed",
		"host", host.Name,
		"error", err.Error(),
	)
}

// LogRetry logs retry attempt information
func (l *Logger) LogRetry(host topology.Host, attempt int, backoff time.Duration, reason string) {
	l.Info("retrying connection",
		"host", host.Name,
		"port", host.Port,
		"attempt", attempt,
		"backoff_ms", backoff.Milliseconds(),
		"reason", reason,
	)
}

// LogConnectionWarning logs security warnings for connections
func (l *Logger) LogConnectionWarning(hostname string, message string) {
	l.logger.Warn("connection security warning",
		"host", hostname,
		"warning", message,
	)
}

// LogStateChange logs a session state transition
func (l *Logger) LogStateChange(host string, from, to string) {
	l.Debug("session state", "host", host, "from", from, "to", to)
}

// LogExecutorStart logs the start of dispatcher operations
func (l *Logger) LogExecutorStart(hostCount int, mode string, concurrency int) {
	l.Info("dispatch started",
		"host_count", hostCount,
		"mode", mode,
		"concurrency", concurrency,
	)
}

// LogExecutorComplete logs the completion of dispatcher operations
func (l *Logger) LogExecutorComplete(hostCount int, successCount int, failureCount int, duration time.Duration) {
	l.Info("dispatch completed",
		"host_count", hostCount,
		"success_count", successCount,
		"failure_count", failureCount,
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Info("configuration loaded",
		"source", source,
	)
}

// LogTopology logs a resolved topology
func (l *Logger) LogTopology(source string, count int) {
	l.Info("topology resolved",
		"source", source,
		"count", count,
	)
}

// LogTopologyError logs topology resolution errors
func (l *Logger) LogTopologyError(source string, err error) {
	l.Error("topology resolution failed",
		"source", source,
		"error", err.Error(),
	)
}

// IsQuiet returns whether the logger is in quiet mode
func (l *Logger) IsQuiet() bool {
	return l.config.Quiet
}

// ParseLevel maps a configuration string to a LogLevel
func ParseLevel(logLevel string) LogLevel {
	switch logLevel {
	case "error":
		return LevelError
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// ParseFormat maps a configuration string to a LogFormat
func ParseFormat(logFormat string) LogFormat {
	if logFormat == "json" {
		return FormatJSON
	}
	return FormatText
}
