// Package logger holds the process-wide zap logger of nebulastream.
//
// Components take a *zap.Logger in their constructors and fall back to Get
// when handed nil. The CLI calls Init once the configuration is loaded.
package logger

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destinations of the global logger.
type Config struct {
	Level       string
	Development bool
	// Encoding is "json" or "console".
	Encoding    string
	OutputPaths []string
}

var global atomic.Pointer[zap.Logger]

type workerKey struct{}

// Init builds a logger from cfg and installs it as the global logger.
// It may be called more than once.
func Init(cfg Config) error {
	l, err := Build(cfg)
	if err != nil {
		return err
	}
	global.Store(l)
	return nil
}

// Build returns a logger for cfg without installing it.
func Build(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         orDefault(cfg.Encoding, "json"),
		EncoderConfig:    enc,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if len(zc.OutputPaths) == 0 {
		zc.OutputPaths = []string{"stdout"}
	}

	var opts []zap.Option
	if cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	l, err := zc.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Get returns the global logger, installing an info-level JSON logger on
// first use if Init was never called.
func Get() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l, err := Build(Config{})
	if err != nil {
		l = zap.NewNop()
	}
	global.CompareAndSwap(nil, l)
	return global.Load()
}

// WithWorker tags ctx with the consumer name of the worker handling it.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey{}, workerID)
}

// FromContext returns l annotated with the worker tagged on ctx, if any.
func FromContext(ctx context.Context, l *zap.Logger) *zap.Logger {
	if l == nil {
		l = Get()
	}
	if id, ok := ctx.Value(workerKey{}).(string); ok {
		return l.With(zap.String("worker_id", id))
	}
	return l
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }

// With returns a child of the global logger.
func With(fields ...zap.Field) *zap.Logger { return Get().With(fields...) }

// Sync flushes the global logger.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
