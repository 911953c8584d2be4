// Package logging builds the zap loggers handed to dynamon components.
// Each component gets its own named logger at construction; there is no
// package-level logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"dynamon/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // CLI startup, config
	CategorySession  Category = "session"  // Session controller, detached attaches
	CategoryEngine   Category = "engine"   // Instrumentation engine adapter
	CategoryTrace    Category = "trace"    // Trace log reading/writing
	CategoryAnalysis Category = "analysis" // API monitor + dependency analysis
	CategoryMonitor  Category = "monitor"  // Live API monitor
	CategoryStore    Category = "store"    // App registry and findings
)

// New builds the root logger from the logging config.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()

	if cfg.Format == "text" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
		zc.Development = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		zc.OutputPaths = []string{cfg.File}
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// For returns the logger a component of the given category should use.
// Disabled categories get a no-op logger.
func For(base *zap.Logger, cfg config.LoggingConfig, category Category) *zap.Logger {
	if base == nil || !cfg.IsCategoryEnabled(string(category)) {
		return zap.NewNop()
	}
	return base.Named(string(category))
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
