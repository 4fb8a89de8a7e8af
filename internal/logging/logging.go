// Package logging builds the daemon's zap.Logger the way
// cli/options.HandleLoggingParams does for the teacher's node: a
// zap.AtomicLevel so SIGHUP can raise or lower verbosity at runtime,
// console encoding unless the config selects another, ISO8601 timestamps
// on a TTY (or when forced) and no timestamps otherwise, with
// caller/stacktrace annotations disabled to keep production log lines terse.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/arkmesh/meshd/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Build constructs a *zap.Logger and its AtomicLevel from cfg. The
// returned level can be adjusted later (e.g. from a SIGHUP handler)
// without rebuilding the logger.
func Build(cfg config.Logger, forceTimestamps bool) (*zap.Logger, *zap.AtomicLevel, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: parsing level: %w", err)
		}
	}
	encoding := "console"
	if cfg.Encoding != "" {
		encoding = cfg.Encoding
	}

	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if term.IsTerminal(int(os.Stdout.Fd())) || forceTimestamps {
		cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cc.EncoderConfig.EncodeTime = func(time.Time, zapcore.PrimitiveArrayEncoder) {}
	}
	cc.Encoding = encoding
	cc.Level = zap.NewAtomicLevelAt(level)
	cc.Sampling = nil

	if cfg.Path != "" {
		if err := os.MkdirAll(parentDir(cfg.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("logging: creating log directory: %w", err)
		}
		cc.OutputPaths = []string{cfg.Path}
	}

	log, err := cc.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("logging: building logger: %w", err)
	}
	return log, &cc.Level, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
