// This package defines a common config struct which can be used by any subsystem within groupmls.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// Defaults applied when a caller passes a nil per-group config.
	MaxPastEpochs          uint32
	OutOfOrderTolerance    uint32
	MaximumForwardDistance uint32

	logging bool
	writer  io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	if !c.logging {
		return zap.NewNop().Sugar()
	}

	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// WithLogging turns the log sinks on or off entirely. When off, every
// subsystem gets a nop logger.
func WithLogging(l bool) Option {
	return func(c *Config) {
		c.logging = l
	}
}

func WithMaxPastEpochs(n uint32) Option {
	return func(c *Config) {
		c.MaxPastEpochs = n
	}
}

func WithOutOfOrderTolerance(n uint32) Option {
	return func(c *Config) {
		c.OutOfOrderTolerance = n
	}
}

func WithMaximumForwardDistance(n uint32) Option {
	return func(c *Config) {
		c.MaximumForwardDistance = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:         os.Getenv("DEBUG") == "1",
		LoggingPrefix: "",
		RootDir:       ".",

		MaxPastEpochs:          5,
		OutOfOrderTolerance:    10,
		MaximumForwardDistance: 2000,

		logging: true,
		writer:  nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
