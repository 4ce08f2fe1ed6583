// Package logging builds the zap logger shared by the bus components.
package logging

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is a zap level name ("debug", "info", ...) or its integer value.
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
	// Format is "json" or "console".
	Format      string   `yaml:"format" envconfig:"LOG_FORMAT"`
	OutputPaths []string `yaml:"output_paths" envconfig:"LOG_OUTPUT_PATHS"`
}

func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// ParseLevel accepts level names and the integer form used by LOG_LEVEL.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		lvl := zapcore.Level(n)
		if lvl < zapcore.DebugLevel || lvl > zapcore.FatalLevel {
			return zapcore.InfoLevel, fmt.Errorf("log level %d out of range", n)
		}
		return lvl, nil
	}
	return zapcore.ParseLevel(s)
}

func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

func Build(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
	}
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	return zapCfg.Build()
}

// New builds the logger and installs it as the zap global. The returned func
// restores the previous global and flushes.
func New(cfg Config) (*zap.Logger, func(), error) {
	logger, err := Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		undo()
		_ = logger.Sync()
	}, nil
}

// NewLogger reads LOG_LEVEL from the environment and exits on failure.
func NewLogger() (*zap.Logger, func()) {
	cfg := DefaultConfig()
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if _, err := ParseLevel(lvl); err == nil {
			cfg.Level = lvl
		}
	}
	logger, undo, err := New(cfg)
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}
	return logger, undo
}
