// Package calllog is the project-wide logging facade, backed by zap.
package calllog

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured logging field.
type Field = zap.Field

// ---- Field helpers ----

func String(key, val string) Field          { return zap.String(key, val) }
func Bool(key string, val bool) Field       { return zap.Bool(key, val) }
func Int(key string, val int) Field         { return zap.Int(key, val) }
func Int64(key string, val int64) Field     { return zap.Int64(key, val) }
func Uint64(key string, val uint64) Field   { return zap.Uint64(key, val) }
func Float64(key string, val float64) Field { return zap.Float64(key, val) }
func Time(key string, v time.Time) Field    { return zap.Time(key, v) }
func Duration(key string, d time.Duration) Field {
	return zap.Duration(key, d)
}
func Any(key string, val any) Field { return zap.Any(key, val) }
func Error(err error) Field         { return zap.Error(err) }

// Logger is the project-wide logging interface.
type Logger interface {
	// Named returns a child logger with the given component name appended.
	Named(name string) Logger
	// With returns a child logger that includes the provided fields.
	With(fields ...Field) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// Sync flushes buffered entries. Call before process exit.
	Sync() error
}

// ---- Global logger accessors ----

var (
	globalMu     sync.RWMutex
	globalLogger Logger = &zapLogger{base: zap.Must(zap.NewDevelopment())}
)

// L returns the current global logger.
func L() Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	return l
}

// ReplaceGlobal swaps the global logger implementation.
func ReplaceGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// ---- zap-backed implementation ----

type zapLogger struct {
	base *zap.Logger
}

// NewLogger builds a logger for the given mode: "production" emits JSON at
// info level, anything else emits console output at debug level.
func NewLogger(mode string) (Logger, error) {
	var cfg zap.Config
	if mode == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &zapLogger{base: base}, nil
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func (l *zapLogger) Named(name string) Logger {
	if name == "" {
		return l
	}
	return &zapLogger{base: l.base.Named(name)}
}

func (l *zapLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &zapLogger{base: l.base.With(fields...)}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.base.Sync() }
