// Package logging contains functionality for lvio-fusion logging.
package logging

import (
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger is the logging interface used across lvio-fusion. It is a strict
// subset of zap's SugaredLogger so that components never depend on zap
// directly.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a logger named <parent>.<name> at the same level.
	Sublogger(name string) Logger
	// AsZap exposes the underlying zap logger for callers that need it.
	AsZap() *zap.SugaredLogger
}

var (
	globalMu     sync.RWMutex
	globalLogger = NewLogger("lvio")
)

// ReplaceGlobal replaces the global logger.
func ReplaceGlobal(logger Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// Global returns the global logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

type impl struct {
	sugared *zap.SugaredLogger
}

func (l *impl) Debug(args ...interface{}) { l.sugared.Debug(args...) }
func (l *impl) Debugf(template string, args ...interface{}) { l.sugared.Debugf(template, args...) }
func (l *impl) Debugw(msg string, keysAndValues ...interface{}) { l.sugared.Debugw(msg, keysAndValues...) }
func (l *impl) Info(args ...interface{}) { l.sugared.Info(args...) }
func (l *impl) Infof(template string, args ...interface{}) { l.sugared.Infof(template, args...) }
func (l *impl) Infow(msg string, keysAndValues ...interface{}) { l.sugared.Infow(msg, keysAndValues...) }
func (l *impl) Warn(args ...interface{}) { l.sugared.Warn(args...) }
func (l *impl) Warnf(template string, args ...interface{}) { l.sugared.Warnf(template, args...) }
func (l *impl) Warnw(msg string, keysAndValues ...interface{}) { l.sugared.Warnw(msg, keysAndValues...) }
func (l *impl) Error(args ...interface{}) { l.sugared.Error(args...) }
func (l *impl) Errorf(template string, args ...interface{}) { l.sugared.Errorf(template, args...) }
func (l *impl) Errorw(msg string, keysAndValues ...interface{}) { l.sugared.Errorw(msg, keysAndValues...) }

func (l *impl) Sublogger(name string) Logger {
	return &impl{l.sugared.Named(name)}
}

func (l *impl) AsZap() *zap.SugaredLogger {
	return l.sugared
}

// NewLoggerConfig returns the default console config: Info level, colored
// levels, ISO8601 timestamps, no stacktraces.
func NewLoggerConfig() zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

func newWithLevel(name string, level zapcore.Level) Logger {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &impl{logger.Sugar().Named(name)}
}

// NewLogger returns a new logger that outputs Info+ logs to stdout.
func NewLogger(name string) Logger {
	return newWithLevel(name, zap.InfoLevel)
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	return newWithLevel(name, zap.DebugLevel)
}

// NewTestLogger returns a new logger for use in tests.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in
// memory observer so tests can assert on them.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	logger, err := cfg.Build()
	if err != nil {
		tb.Fatal(err)
	}
	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, observerCore)
	}))
	return &impl{logger.Sugar()}, observedLogs
}
