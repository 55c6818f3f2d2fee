// Package logging builds the zap logger shared by the CLI, sessions and
// storage gateways.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/conduit-lang/persist/internal/cli/config"
)

// New builds a logger for cfg. Output goes to stderr so command output on
// stdout stays clean.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var z zap.Config
	if cfg.Development {
		z = zap.NewDevelopmentConfig()
		z.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		z = zap.NewProductionConfig()
		z.Sampling = nil
	}
	z.Level = zap.NewAtomicLevelAt(level)
	z.OutputPaths = []string{"stderr"}
	z.ErrorOutputPaths = []string{"stderr"}

	logger, err := z.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
