// Package sentrylog builds the process-wide zap logger.
package sentrylog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// Build constructs a zap logger from the log section of the config.
func Build(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch cfg.Encoding {
	case "json":
		zc = zap.NewProductionConfig()
	default:
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Init builds the logger and installs it globally so components can use
// zap.L().Named(...). The returned func flushes and restores on shutdown.
func Init(cfg config.LogConfig) (*zap.Logger, func(), error) {
	logger, err := Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	restore := zap.ReplaceGlobals(logger)
	cleanup := func() {
		_ = logger.Sync()
		restore()
	}
	return logger, cleanup, nil
}
