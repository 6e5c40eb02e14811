// Structured logging for the kinematics host
//
// Thin layer over zap that keeps the small API the rest of the tree
// uses: per-component loggers, printf-style levels, persistent fields
// and an environment-driven configuration.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota

	// INFO level for general informational messages
	INFO

	// WARN level for warning messages
	WARN

	// ERROR level for error messages
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(l zapcore.Level) LogLevel {
	switch {
	case l <= zapcore.DebugLevel:
		return DEBUG
	case l == zapcore.InfoLevel:
		return INFO
	case l == zapcore.WarnLevel:
		return WARN
	default:
		return ERROR
	}
}

// ParseLevel parses a string into a LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable console format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// Logger is a named, leveled logger. Children created with Named or
// WithFields share the parent's level.
type Logger struct {
	mu    sync.RWMutex
	name  string
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

func encoderConfig(colorize bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if colorize {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

func newCore(w io.Writer, format OutputFormat, colorize bool, level zap.AtomicLevel) zapcore.Core {
	var enc zapcore.Encoder
	if format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encoderConfig(false))
	} else {
		enc = zapcore.NewConsoleEncoder(encoderConfig(colorize))
	}
	return zapcore.NewCore(enc, zapcore.AddSync(w), level)
}

// New creates a logger named name that writes console output to stderr.
func New(name string) *Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := newCore(os.Stderr, FormatText, os.Getenv("NO_COLOR") == "", level)
	return &Logger{
		name:  name,
		level: level,
		sugar: zap.New(core).Named(name).Sugar(),
	}
}

// NewWithCore creates a logger on top of an existing zap core. The
// core's own level filter still applies.
func NewWithCore(name string, core zapcore.Core) *Logger {
	return &Logger{
		name:  name,
		level: zap.NewAtomicLevelAt(zapcore.DebugLevel),
		sugar: zap.New(core).Named(name).Sugar(),
	}
}

// SetOutput replaces the output writer and format. Loggers previously
// derived from l keep their old output.
func (l *Logger) SetOutput(w io.Writer, format OutputFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	core := newCore(w, format, false, l.level)
	l.sugar = zap.New(core).Named(l.name).Sugar()
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return fromZapLevel(l.level.Level())
}

// Name returns the logger name.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) s() *zap.SugaredLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sugar
}

// Named returns a child logger with name appended to the current one.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		name:  l.name + "." + name,
		level: l.level,
		sugar: l.s().Named(name),
	}
}

// WithFields returns a child logger that attaches fields to every entry.
func (l *Logger) WithFields(fields Fields) *Logger {
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		name:  l.name,
		level: l.level,
		sugar: l.s().With(args...),
	}
}

// WithError returns a child logger carrying the error field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(Fields{"error": err.Error()})
}

// Debugf logs a formatted message at DEBUG level
func (l *Logger) Debugf(msg string, args ...interface{}) {
	if l.level.Enabled(zapcore.DebugLevel) {
		l.s().Debugf(msg, args...)
	}
}

// Infof logs a formatted message at INFO level
func (l *Logger) Infof(msg string, args ...interface{}) {
	if l.level.Enabled(zapcore.InfoLevel) {
		l.s().Infof(msg, args...)
	}
}

// Warnf logs a formatted message at WARN level
func (l *Logger) Warnf(msg string, args ...interface{}) {
	if l.level.Enabled(zapcore.WarnLevel) {
		l.s().Warnf(msg, args...)
	}
}

// Errorf logs a formatted message at ERROR level
func (l *Logger) Errorf(msg string, args ...interface{}) {
	l.s().Errorf(msg, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.s().Sync()
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("klipper")
)

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetLogger returns a child of the default logger for a component.
func GetLogger(component string) *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if component == "" {
		return defaultLogger
	}
	return defaultLogger.Named(component)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - KLIPPER_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - KLIPPER_LOG_FORMAT: text, json
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("KLIPPER_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("KLIPPER_LOG_FORMAT"); strings.EqualFold(formatStr, "json") {
		l.SetOutput(os.Stderr, FormatJSON)
	}
}
