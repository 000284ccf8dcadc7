// Package logger provides the zap-based logging wrapper used across mdhub,
// generalized from the teacher's relay/internal/logger package with a
// bus-publishing core so Warn+ records surface as SystemLog events
// (spec.md §4.I's "log sink").
package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mdhub/pkg/types"
)

var (
	// Log is the global logger instance.
	Log *zap.Logger
	// Sugar is the sugared logger for convenience.
	Sugar *zap.SugaredLogger
)

// Config holds logger configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// EventPublisher is the minimal bus dependency the log-to-event tee needs.
type EventPublisher interface {
	Publish(types.Event)
}

// busCore is a zapcore.Core that republishes Warn+ records as SystemLog events.
type busCore struct {
	zapcore.Core
	bus    EventPublisher
	source string
}

func (c *busCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.bus != nil && ent.Level >= zapcore.WarnLevel {
		ce = ce.AddCore(ent, c)
	}
	return c.Core.Check(ent, ce)
}

func (c *busCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if c.bus == nil {
		return nil
	}
	meta := make(map[string]string, len(fields))
	for _, f := range fields {
		meta[f.Key] = f.String
	}
	level := types.LogWarn
	if ent.Level >= zapcore.ErrorLevel {
		level = types.LogError
	}
	c.bus.Publish(types.Event{
		Type:      types.EventSystemLog,
		Topic:     "*",
		Timestamp: ent.Time,
		Payload: types.SystemLogPayload{
			Level:    level,
			Message:  ent.Message,
			Source:   c.source,
			Metadata: meta,
		},
	})
	return nil
}

func (c *busCore) With(fields []zapcore.Field) zapcore.Core {
	return &busCore{Core: c.Core.With(fields), bus: c.bus, source: c.source}
}

// Init initializes the global logger.
func Init(cfg *Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		config.Encoding = cfg.Encoding
	}

	var err error
	Log, err = config.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	Sugar = Log.Sugar()
	return nil
}

// AttachBus wires the global logger to publish Warn+ records as SystemLog
// events onto bus. Call once after Init and after the bus is constructed.
func AttachBus(bus EventPublisher, source string) {
	if Log == nil {
		return
	}
	Log = Log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &busCore{Core: core, bus: bus, source: source}
	}))
	Sugar = Log.Sugar()
}

// InitDefault initializes with default settings based on environment.
func InitDefault() {
	env := os.Getenv("ENV")
	cfg := &Config{
		Level:       "info",
		Development: env != "production",
		Encoding:    "json",
	}
	if cfg.Development {
		cfg.Level = "debug"
		cfg.Encoding = "console"
	}
	if err := Init(cfg); err != nil {
		panic(err)
	}
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger { return Log.With(fields...) }

// Sync flushes any buffered log entries.
func Sync() error { return Log.Sync() }

// Now is a replaceable clock. Nothing in this module reads it: the bus tee
// stamps SystemLog events with the zap entry's own time.
var Now = time.Now
