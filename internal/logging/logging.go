// Package logging wraps zap behind a small interface over a
// *zap.SugaredLogger, built once at startup and passed down explicitly
// instead of living behind a package global.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var zapStdout = os.Stdout

// Logger is the interface every subsystem constructor takes instead of
// reaching for a global.
type Logger interface {
	Debug(keyvals ...interface{})
	Info(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Fatal(keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(name string) Logger
}

type zapLogger struct {
	*zap.SugaredLogger
}

func (l *zapLogger) With(args ...interface{}) Logger {
	return &zapLogger{l.SugaredLogger.With(args...)}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{l.SugaredLogger.Named(name)}
}

// New builds a Logger at the given level ("debug", "info", "warn", "error").
// jsonFormat selects the JSON encoder; otherwise a colored console
// encoder is used. Edge and cloud nodes pass their config's log_json.
func New(level string, jsonFormat bool) Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if jsonFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(zapStdout)), lvl)
	base := zap.New(core, zap.AddCaller())
	return &zapLogger{base.Sugar()}
}

// NewNop returns a Logger that discards everything, for tests that don't
// want log noise but still need to satisfy constructors requiring one.
func NewNop() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}
