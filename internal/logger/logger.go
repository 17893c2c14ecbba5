package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It discards everything until Init runs so
// packages can log unconditionally, including from tests.
var Log = zap.NewNop()

// Init initializes the global logger with the level taken from the
// environment.
func Init() {
	InitWithLevel("")
}

// InitWithLevel initializes the global logger honoring level ("debug",
// "info", "warn", "error"). An empty level falls back to
// BOARDSYNC_LOG_LEVEL. BOARDSYNC_LOG_SINK=file:<path> redirects output.
func InitWithLevel(level string) {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("BOARDSYNC_LOG_LEVEL")))
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	cfg.Sampling = nil

	sink := os.Getenv("BOARDSYNC_LOG_SINK")
	if strings.HasPrefix(sink, "file:") {
		cfg.OutputPaths = []string{strings.TrimPrefix(sink, "file:")}
	} else {
		cfg.OutputPaths = []string{"stdout"}
	}

	l, err := cfg.Build()
	if err != nil {
		// fallback to stdout
		fmt.Fprintf(os.Stderr, "failed to build logger for sink %q: %v\n", sink, err)
		cfg.OutputPaths = []string{"stdout"}
		if l, err = cfg.Build(); err != nil {
			return
		}
	}
	Log = l
}

func parseLevel(lvl string) zapcore.Level {
	switch lvl {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Named returns a child of the global logger tagged with a component name.
// Loggers are resolved at call time so components created before Init still
// pick up the configured sink when constructed afterwards.
func Named(component string) *zap.Logger {
	return Log.Named(component)
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}
