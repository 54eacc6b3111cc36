package config

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
)

// NewLogger builds the process logger. Console output is meant for operators
// running one-off commands; services log JSON.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, apperrors.ConfigError(err, "logging.level")
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	switch cfg.OutputPath {
	case "", "stdout":
		zc.OutputPaths = []string{"stdout"}
	default:
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	zc.InitialFields = map[string]any{"service": "warden"}

	logger, err := zc.Build()
	if err != nil {
		return nil, apperrors.ConfigError(err, "failed to build logger")
	}
	return logger, nil
}
