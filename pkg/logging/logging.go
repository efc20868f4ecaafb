package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init initializes the global logger. If called multiple times, only the first takes effect.
// Output is line-oriented console text on stdout; level accepts zap level names
// ("debug", "info", ...) and defaults to info.
func Init(development bool, level string) error {
	var err error
	once.Do(func() {
		var lvl zapcore.Level
		if level == "" {
			level = "info"
		}
		if err = lvl.UnmarshalText([]byte(level)); err != nil {
			return
		}
		logger = New(development, lvl)
	})
	return err
}

// New builds a console logger writing to stdout.
func New(development bool, lvl zapcore.Level) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	if development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), lvl)
	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}
	return zap.New(core, opts...)
}

// L returns the global logger, initializing an info-level logger if needed.
func L() *zap.Logger {
	if logger == nil {
		// ignore error; fall back to no-op logger if creation fails
		_ = Init(false, "info")
		if logger == nil {
			return zap.NewNop()
		}
	}
	return logger
}
