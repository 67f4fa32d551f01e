// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the encoder and minimum level.
type Options struct {
	// Development switches to colored console output with caller info.
	Development bool
	// Level is a zap level name such as "debug" or "warn". Empty keeps the
	// mode's default: debug in development, info otherwise.
	Level string
}

// New builds a zap.Logger for opts.
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		cfg.Level = level
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// IsTerminal reports whether stdout is attached to a terminal. It picks the
// default log format: console output for people, JSON for collectors.
func IsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
