package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger constructs a zap logger from the log configuration.
func BuildLogger(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "", "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("config: unknown log level %q", cfg.Level)
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return logger, nil
}
