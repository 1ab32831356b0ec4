// Package logging builds the zap loggers used by the library and the CLI.
package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the level and destinations of a logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level" yaml:"level" mapstructure:"level"`
	// File, when set, receives JSON lines through a rotating writer.
	File string `json:"file" yaml:"file" mapstructure:"file"`
	// MaxSizeMB is the rotation size of File (default: 100).
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb" mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 7).
	MaxBackups int `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"`
	// Development switches the console to a human readable encoder.
	Development bool `json:"development" yaml:"development" mapstructure:"development"`
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, errors.Errorf("unknown log level %q", name)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "trace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a logger writing to stderr and, when cfg.File is set, to a
// rotating JSON file. The returned level can be changed at runtime.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	enc := encoderConfig()
	console := zapcore.NewJSONEncoder(enc)
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		console = zapcore.NewConsoleEncoder(enc)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(console, zapcore.Lock(os.Stderr), level),
	}

	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(rotating(cfg)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), level, nil
}

func rotating(cfg Config) *lumberjack.Logger {
	size, backups := cfg.MaxSizeMB, cfg.MaxBackups
	if size <= 0 {
		size = 100
	}
	if backups <= 0 {
		backups = 7
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    size,
		MaxBackups: backups,
		MaxAge:     7,
	}
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
