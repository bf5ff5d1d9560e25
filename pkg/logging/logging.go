// Package logging constructs the agent's *zap.Logger. tapio ships its own
// slog.Handler implementations (pkg/logging/handlers.go); this agent
// standardizes on zap instead, since every other component here already
// takes a *zap.Logger via constructor injection (see DESIGN.md). The
// console/JSON output split and level gating mirror tapio's handler
// selection shape even though the underlying library differs.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger. format selects "console" for human-readable
// development output or "json" for production; level is one of zap's
// standard names (debug, info, warn, error).
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("unknown log format %q, want \"console\" or \"json\"", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
