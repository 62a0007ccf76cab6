package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/notnil/candiag"
	"github.com/notnil/candiag/canbus"
)

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: use debug, info, warn or error", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// FrameLogOption maps frame_log to the canbus decorator mask.
func (b BusConfig) FrameLogOption() canbus.LogOption {
	switch strings.ToLower(b.FrameLog) {
	case "read":
		return canbus.LogRead
	case "write":
		return canbus.LogWrite
	case "all":
		return canbus.LogAll
	default:
		return canbus.LogNone
	}
}

// ManagerConfig derives the bus manager settings.
func (c *Config) ManagerConfig(registry *candiag.Registry, logger *slog.Logger) candiag.Config {
	return candiag.Config{
		QueueSize:       c.Bus.QueueSize,
		PollInterval:    c.Bus.PollInterval.Duration(),
		RecvTimeout:     c.Bus.RecvTimeout.Duration(),
		JoinTimeout:     c.Bus.JoinTimeout.Duration(),
		SelfTestTimeout: c.Bus.SelfTestTimeout.Duration(),
		Registry:        registry,
		Logger:          logger,
		FrameLog:        c.Bus.FrameLogOption(),
	}
}
