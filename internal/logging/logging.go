// Package logging builds the structured logger shared by every component
// (SPEC_FULL.md §4.11), generalized from the *slog.Logger field the
// teacher threads through transport.go and routing/reputation.go into a
// *zap.Logger, the structured-logging dependency actually present in the
// corpus's dependency graph.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps the CLI's --log-level values (spec.md §6: INFO, DEBUG,
// WARNING) onto a zapcore.Level, defaulting to Info on an unrecognized
// value.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a production-style JSON logger at the given level, tagged
// with the node's component name.
func New(level zapcore.Level, component string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(component), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
