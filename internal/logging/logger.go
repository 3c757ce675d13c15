// Package logging configures the process-wide structured logger.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Initialize builds the global logger. development selects a
// human-readable console encoder; otherwise JSON with ISO8601 timestamps
// is used, matching what a supervisor would scrape in production.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		logger, err = cfg.Build()
	})
	return err
}

// L returns the global logger, falling back to a development logger if
// Initialize was never called (tests, early init).
func L() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Sync flushes any buffered log entries. Safe to call on shutdown even
// if Initialize was never called.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// ShortID truncates an identifier to its first n characters for logging,
// so identifiers longer than n never land in log sinks in full; an
// identifier of n characters or fewer is returned unchanged.
func ShortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}
