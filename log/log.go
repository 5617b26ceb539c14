// Package log builds the single *zap.SugaredLogger every other package in
// this module accepts (torrentcore, dht, peerconn, tracker, session,
// stream all take one directly rather than a wrapper type).
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the root logger's level and encoding.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string `yaml:"level"`

	// Development enables human-readable console encoding and caller/stack
	// traces on warnings, matching zap's own NewDevelopment preset.
	Development bool `yaml:"development"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	return c
}

// New builds a *zap.SugaredLogger from config.
func New(config Config) (*zap.SugaredLogger, error) {
	config = config.applyDefaults()

	var level zapcore.Level
	if err := level.Set(config.Level); err != nil {
		return nil, fmt.Errorf("log: invalid level %q: %s", config.Level, err)
	}

	var zc zap.Config
	if config.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("log: build logger: %s", err)
	}
	return logger.Sugar(), nil
}
