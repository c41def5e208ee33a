package logger

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevel defines the logging level.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
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

// ParseLevel converts a string level to LogLevel.
func ParseLevel(levelStr string) LogLevel {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ZeroLogger implements the ports.Logger interface on top of zerolog.
type ZeroLogger struct {
	log zerolog.Logger
}

// NewZeroLogger creates a structured logger writing JSON lines to stderr.
func NewZeroLogger(level LogLevel) *ZeroLogger {
	zl := zerolog.New(os.Stderr).Level(level.zerolog()).With().Timestamp().Logger()
	return &ZeroLogger{log: zl}
}

// NewConsoleLogger creates a human-readable console logger, useful for
// local runs against the testnet.
func NewConsoleLogger(level LogLevel) *ZeroLogger {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	zl := zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
	return &ZeroLogger{log: zl}
}

func withFields(ev *zerolog.Event, fields ...map[string]interface{}) *zerolog.Event {
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	return ev
}

// Debug logs a message at Debug level.
func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.log.Debug(), fields...).Msg(msg)
}

// Info logs a message at Info level.
func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.log.Info(), fields...).Msg(msg)
}

// Warn logs a message at Warning level.
func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.log.Warn(), fields...).Msg(msg)
}

// Error logs an error message at Error level.
func (l *ZeroLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	withFields(l.log.Error().Err(err), fields...).Msg(msg)
}
