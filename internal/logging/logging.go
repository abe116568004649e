// Package logging constructs the zap.Logger sitesync's components are
// injected with, selecting encoder and level from the logging config.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sitesync/sitesync/internal/config"
)

// New builds a *zap.Logger from a LoggingConfig. Format "json" produces
// structured output suitable for ingestion; anything else uses zap's
// human-readable console encoder.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelOrDefault(cfg.Level))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}
