// Package log is the process-wide zap logger used by every other package.
// Until Init is called it discards everything, which keeps tests quiet.
package log

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(zap.NewNop())
}

// Init builds the logger. level is one of debug, info, warn, error; anything
// else means info. development switches to the console encoder.
func Init(level string, development bool) error {
	var lvl zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	current.Store(l)
	return nil
}

// Set replaces the logger, mostly for tests that want to observe output.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
}

func L() *zap.Logger { return current.Load() }

func Debug(msg string, fields ...zap.Field) { current.Load().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { current.Load().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { current.Load().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { current.Load().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { current.Load().Fatal(msg, fields...) }

// Sync flushes buffered entries. Call it before exit.
func Sync() error { return current.Load().Sync() }
