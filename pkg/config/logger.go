package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// NewLogger builds the service logger. Development uses the console encoder and
// production JSON unless Log.Format says otherwise.
// Console levels are coloured when stderr is a terminal.
func (c *ServerConfig) NewLogger(opts ...zap.Option) (*zap.Logger, error) {
	return newLogger(c.IsDevelopment(), c.Log, term.IsTerminal(int(os.Stderr.Fd())), opts...)
}

func newLogger(development bool, lc LogConfig, tty bool, opts ...zap.Option) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if development {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		level, err := zap.ParseAtomicLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
		zc.Level = level
	}
	if lc.Format != "" {
		zc.Encoding = lc.Format
	}
	if zc.Encoding == "console" && tty {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if zc.Encoding == "json" {
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zc.Build(opts...)
}
