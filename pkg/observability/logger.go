package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/platinummonkey/circles/pkg/contextkeys"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var slogLevels = [...]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
}

func (l LogLevel) slogLevel() slog.Level {
	if l < DebugLevel || l > ErrorLevel {
		return slog.LevelInfo
	}
	return slogLevels[l]
}

func (l LogLevel) String() string {
	return l.slogLevel().String()
}

// ParseLogLevel parses a level name, defaulting to info
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Logger writes JSON lines through slog. Derived loggers share the handler.
type Logger struct {
	sl *slog.Logger
}

// NewLogger creates a JSON logger writing to output (stdout when nil)
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{sl: slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level.slogLevel()}))}
}

// NopLogger discards everything
func NopLogger() *Logger {
	return NewLogger(ErrorLevel, io.Discard)
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...)}
}

// WithField returns a logger that adds key=value to every entry
func (l *Logger) WithField(key string, value any) *Logger {
	return l.with(key, value)
}

// WithFields is WithField for several keys; keys are emitted in sorted order
func (l *Logger) WithFields(fields map[string]any) *Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return l.with(args...)
}

// WithError attaches err under "error". A nil error returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

func (l *Logger) Debug(msg string) { l.sl.Debug(msg) }
func (l *Logger) Info(msg string)  { l.sl.Info(msg) }
func (l *Logger) Warn(msg string)  { l.sl.Warn(msg) }
func (l *Logger) Error(msg string) { l.sl.Error(msg) }

// WithLogger stores logger in ctx for FromContext
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return contextkeys.WithLogger(ctx, logger)
}

// FromContext returns the request logger, decorated with request and actor ids.
// Falls back to the given logger (or stdout) when none was attached.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	logger, ok := ctx.Value(contextkeys.LoggerKey).(*Logger)
	if !ok {
		logger = fallback
	}
	if logger == nil {
		logger = NewLogger(InfoLevel, os.Stdout)
	}

	var args []any
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		args = append(args, "request_id", requestID)
	}
	if actorID := contextkeys.GetActorID(ctx); actorID != "" {
		args = append(args, "actor_id", actorID)
	}
	if len(args) == 0 {
		return logger
	}
	return logger.with(args...)
}
