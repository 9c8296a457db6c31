// Package xlog provides the small structured-logging interface meshkv's
// components depend on: one backend (zap), no pluggable encoders, just
// enough surface for the mesh's debug/info/warn/error traffic.
package xlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface meshkv's internal packages take a dependency
// on, so callers can swap in their own zap configuration or a test double.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	With(keyValues ...any) Logger
}

// zapLogger adapts a *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a JSON logger at the given level, writing to stderr.
func New(level string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{sugar: logger.Sugar()}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *zapLogger) Debugf(format string, args ...any) { z.sugar.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...any)  { z.sugar.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...any)  { z.sugar.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...any) { z.sugar.Errorf(format, args...) }

func (z *zapLogger) With(keyValues ...any) Logger {
	return &zapLogger{sugar: z.sugar.With(keyValues...)}
}

// discardLogger drops everything. Used as the default when callers pass nil.
type discardLogger struct{}

// Discard is a Logger that does nothing.
var Discard Logger = discardLogger{}

func (discardLogger) Debugf(string, ...any) {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Errorf(string, ...any) {}
func (discardLogger) With(...any) Logger    { return discardLogger{} }

var _ Logger = (*zapLogger)(nil)
