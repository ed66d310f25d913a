// Package logging provides the structured logger shared by every
// orchestrator component.
//
// The logger wraps log/slog with a small interface so components can carry
// a named sub-logger ("scheduler", "hub", …) and attach fields without
// caring about the output handler. Terminal output honours NO_COLOR.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Level mirrors slog levels with a stable string form.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a --log-level flag value to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the structured logging interface used across packages.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(err error, msg string, fields ...any)
	Error(err error, msg string, fields ...any)

	With(fields ...any) Logger
	WithComponent(component string) Logger
}

// Config holds logger construction options.
type Config struct {
	Level     Level
	Format    string // "json" or "text"
	Output    io.Writer
	Component string
}

// DefaultConfig returns the terminal default: text to stderr at info.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// watchLogger implements Logger on top of slog.
type watchLogger struct {
	logger    *slog.Logger
	level     Level
	component string
	fields    []any
}

// New creates a structured logger from config.
func New(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel(config.Level),
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &watchLogger{
		logger:    slog.New(handler),
		level:     config.Level,
		component: config.Component,
	}
}

// NewTestLogger creates a logger that discards output, for use in tests.
func NewTestLogger() Logger {
	return New(&Config{
		Level:  LevelDebug,
		Format: "text",
		Output: io.Discard,
	})
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *watchLogger) Debug(msg string, fields ...any) {
	if l.level > LevelDebug {
		return
	}
	l.log(slog.LevelDebug, nil, msg, fields...)
}

func (l *watchLogger) Info(msg string, fields ...any) {
	if l.level > LevelInfo {
		return
	}
	l.log(slog.LevelInfo, nil, msg, fields...)
}

func (l *watchLogger) Warn(err error, msg string, fields ...any) {
	if l.level > LevelWarn {
		return
	}
	l.log(slog.LevelWarn, err, msg, fields...)
}

func (l *watchLogger) Error(err error, msg string, fields ...any) {
	l.log(slog.LevelError, err, msg, fields...)
}

// With returns a logger carrying additional key/value fields.
func (l *watchLogger) With(fields ...any) Logger {
	combined := make([]any, 0, len(l.fields)+len(fields))
	combined = append(combined, l.fields...)
	combined = append(combined, fields...)

	return &watchLogger{
		logger:    l.logger,
		level:     l.level,
		component: l.component,
		fields:    combined,
	}
}

// WithComponent returns a logger tagged with a component name.
func (l *watchLogger) WithComponent(component string) Logger {
	return &watchLogger{
		logger:    l.logger,
		level:     l.level,
		component: component,
		fields:    l.fields,
	}
}

func (l *watchLogger) log(level slog.Level, err error, msg string, fields ...any) {
	attrs := make([]slog.Attr, 0, len(l.fields)/2+len(fields)/2+2)

	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	attrs = append(attrs, pairAttrs(l.fields)...)
	attrs = append(attrs, pairAttrs(fields)...)

	record := slog.NewRecord(time.Now(), level, msg, 0)
	record.AddAttrs(attrs...)

	if handler := l.logger.Handler(); handler != nil {
		if err := handler.Handle(context.Background(), record); err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v - %s\n", err, msg)
		}
	}
}

func pairAttrs(fields []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, slog.Any(key, fields[i+1]))
	}

	return attrs
}

// ColorEnabled reports whether ANSI colors should be used on the terminal.
// NO_COLOR with any value disables them.
func ColorEnabled() bool {
	_, set := os.LookupEnv("NO_COLOR")

	return !set
}
