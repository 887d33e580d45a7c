package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the engine logger. It keeps a printf-style surface on top of
// a zap sugared logger so components can attach structured fields.
type Logger struct {
	sugar  *zap.SugaredLogger
	base   *zap.Logger
	name   string
	file   string
	mu     sync.Mutex
	closed bool
}

// LogLevel represents different types of log entries
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARN"
	LogLevelError   LogLevel = "ERROR"
	LogLevelTrade   LogLevel = "TRADE"
	LogLevelStatus  LogLevel = "STATUS"
)

// Config controls logger construction
type Config struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json or console
	File   string `yaml:"file" json:"file"`     // optional log file; stderr is always written
}

// New creates a logger for the named component
func New(name string, cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.Sampling = nil
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zcfg.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}

	base, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	base = base.Named(name)

	l := &Logger{
		sugar: base.Sugar(),
		base:  base,
		name:  name,
		file:  cfg.File,
	}
	l.Status("session started at %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	base := zap.NewNop()
	return &Logger{sugar: base.Sugar(), base: base, name: "nop"}
}

// FromZap wraps an existing zap logger
func FromZap(base *zap.Logger) *Logger {
	return &Logger{sugar: base.Sugar(), base: base, name: "zap"}
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		sugar: l.sugar.With(keysAndValues...),
		base:  l.base,
		name:  l.name,
		file:  l.file,
	}
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Log writes a formatted log entry with the specified level
func (l *Logger) Log(level LogLevel, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case LogLevelDebug:
		l.sugar.Debugw(msg)
	case LogLevelWarning:
		l.sugar.Warnw(msg)
	case LogLevelError:
		l.sugar.Errorw(msg)
	case LogLevelTrade:
		l.sugar.Infow(msg, "event", "trade")
	case LogLevelStatus:
		l.sugar.Infow(msg, "event", "status")
	default:
		l.sugar.Infow(msg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.Log(LogLevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Log(LogLevelInfo, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.Log(LogLevelWarning, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Log(LogLevelError, format, args...)
}

// Trade logs an order lifecycle event
func (l *Logger) Trade(format string, args ...interface{}) {
	l.Log(LogLevelTrade, format, args...)
}

// Status logs engine status information
func (l *Logger) Status(format string, args ...interface{}) {
	l.Log(LogLevelStatus, format, args...)
}

// LogIntentTransition logs an order intent moving between lifecycle states
func (l *Logger) LogIntentTransition(key, symbol, from, to string, filled, price float64) {
	l.sugar.Infow("intent transition",
		"event", "trade",
		"intent_key", key,
		"symbol", symbol,
		"from", from,
		"to", to,
		"filled", filled,
		"price", price,
	)
}

// LogError logs error with context
func (l *Logger) LogError(context string, err error) {
	l.sugar.Errorw(context, "error", err)
}

// LogWarning logs warning with context
func (l *Logger) LogWarning(context string, message string, args ...interface{}) {
	l.Warning("%s: %s", context, fmt.Sprintf(message, args...))
}

// Close flushes buffered entries
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.Status("session ended at %s", time.Now().Format(time.RFC3339))
	// Sync on stderr returns EINVAL on some platforms; only surface file errors
	if err := l.base.Sync(); err != nil && l.file != "" {
		return err
	}
	return nil
}

// GetLogPath returns the configured log file path, if any
func (l *Logger) GetLogPath() string {
	return l.file
}
