// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the encoder, level and optional rotating file output.
type Config struct {
	Development bool       `mapstructure:"development"`
	Level       string     `mapstructure:"level"`
	File        FileConfig `mapstructure:"file"`
}

// FileConfig enables a JSON copy of every entry in a rotated file.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Validate rejects unknown level names.
func (c Config) Validate() error {
	_, err := c.level()
	return err
}

func (c Config) level() (zapcore.Level, error) {
	if c.Development {
		return zapcore.DebugLevel, nil
	}
	name := strings.TrimSpace(c.Level)
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse level %q: %w", name, err)
	}
	return lvl, nil
}

// New builds a zap.Logger configured for development or production.
func New(c Config) (*zap.Logger, error) {
	lvl, err := c.level()
	if err != nil {
		return nil, err
	}
	var logger *zap.Logger
	if c.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
	} else {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build prod logger: %w", err)
		}
	}
	if c.File.Path == "" {
		return logger, nil
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderConfig()),
		zapcore.AddSync(newRotator(c.File)),
		lvl,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func fileEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return enc
}

func newRotator(c FileConfig) *lumberjack.Logger {
	r := &lumberjack.Logger{
		Filename:   c.Path,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
	if r.MaxSize <= 0 {
		r.MaxSize = 100
	}
	return r
}
