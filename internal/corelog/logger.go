// Package corelog provides the structured logger used across the core.
// It wraps zap's SugaredLogger behind a small interface so call sites
// never depend on zap directly.
package corelog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging contract used throughout the core.
// Every call site that logs a session event passes session_id and,
// where applicable, participant_id/response_id/commit_id as key-value
// pairs to the *w variants.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})

	// With returns a child logger with the given key-value pairs attached
	// to every subsequent log call. Used to bind session_id once per
	// session rather than threading it through every call site.
	With(kv ...interface{}) Logger

	// Sync flushes any buffered log entries. Call on shutdown.
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// Options controls logger construction.
type Options struct {
	Level string // debug, info, warn, error

	// CaptureDir, when non-empty, also tees logs to a rotating file under
	// this directory using lumberjack. Used when wire-capture style
	// on-disk diagnostics are enabled alongside stderr output.
	CaptureDir string
	CaptureMax int // megabytes per rotated file, default 50
}

// New builds a Logger from Options. Unknown levels default to info.
func New(opts Options) (Logger, error) {
	level := parseLevel(opts.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	if opts.CaptureDir != "" {
		maxSize := opts.CaptureMax
		if maxSize <= 0 {
			maxSize = 50
		}
		fileWriter := &lumberjack.Logger{
			Filename:   opts.CaptureDir + "/voicecore.log",
			MaxSize:    maxSize,
			MaxBackups: 5,
			MaxAge:     7,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(fileWriter), level))
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{s: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything; handy for tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func (z *zapLogger) Debugf(format string, args ...interface{}) { z.s.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...interface{})  { z.s.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }

func (z *zapLogger) Debugw(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...interface{})  { z.s.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...interface{}) { z.s.Errorw(msg, kv...) }

func (z *zapLogger) With(kv ...interface{}) Logger {
	return &zapLogger{s: z.s.With(kv...)}
}

func (z *zapLogger) Sync() error {
	return z.s.Sync()
}
