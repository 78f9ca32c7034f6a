// Package observability builds the process wide zap logger.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects level, encoding and outputs of the process logger.
//
// Fields:
//   - Level: debug, info, warn or error. Anything else means info.
//   - Format: "json" or "console".
//   - Development: Colored levels and development mode panics.
//   - Outputs: "stdout", "stderr" or file paths. Empty means stderr.
//   - Rotation: File rotation, applied to every file output.
type LogConfig struct {
	Level       string         `toml:"level"`
	Format      string         `toml:"format"`
	Development bool           `toml:"development"`
	Outputs     []string       `toml:"outputs"`
	Rotation    RotationConfig `toml:"rotation"`
}

// RotationConfig mirrors the lumberjack settings.
type RotationConfig struct {
	Enable     bool `toml:"enable"`
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// DefaultLogConfig logs info and above to stderr in console format.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "console", Outputs: []string{"stderr"}}
}

// ParseLevel maps a level name onto a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetupLogger builds a logger from c, installs it as the zap global logger and
// redirects the standard library log package to it. Callers should defer Sync.
func SetupLogger(c LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(c.Level))

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		ws, err := writeSyncer(out, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	zap.ReplaceGlobals(logger)
	zap.RedirectStdLogAt(logger, zap.InfoLevel)
	return logger, nil
}

func writeSyncer(out string, rot RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log output %s: %w", out, err)
		}
	}
	if rot.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, 10),
			MaxBackups: max(rot.MaxBackups, 1),
			MaxAge:     max(rot.MaxAgeDays, 7),
			Compress:   rot.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %s: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
