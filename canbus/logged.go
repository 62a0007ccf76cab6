package canbus

import (
	"context"
	"log/slog"
	"time"
)

// LogOption is a bitmask for selecting which driver operations to log.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLoggedDriver wraps inner and logs the selected operations at level.
// Only frames accepted by filter are logged; a nil filter logs every frame.
// Open, Close and send errors are always logged.
func NewLoggedDriver(inner Driver, logger *slog.Logger, level slog.Level, opts LogOption, filter FrameFilter) Driver {
	return &loggedDriver{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
}

type loggedDriver struct {
	inner  Driver
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
	filter FrameFilter
}

func (l *loggedDriver) Name() string { return l.inner.Name() }

func (l *loggedDriver) Open(ctx context.Context) error {
	t0 := time.Now()
	err := l.inner.Open(ctx)
	if err != nil {
		l.logger.ErrorContext(ctx, "canbus open error", "driver", l.inner.Name(), "error", err, "elapsed", time.Since(t0))
		return err
	}
	l.logger.InfoContext(ctx, "canbus open", "driver", l.inner.Name(), "elapsed", time.Since(t0))
	return nil
}

func (l *loggedDriver) Close() error {
	err := l.inner.Close()
	if err != nil {
		l.logger.Error("canbus close error", "driver", l.inner.Name(), "error", err)
		return err
	}
	l.logger.Info("canbus close", "driver", l.inner.Name())
	return nil
}

// Send logs the frame and the result when write logging is enabled.
func (l *loggedDriver) Send(frame Frame) error {
	if l.opts&LogWrite != 0 && l.filter.Match(frame) {
		l.logFrame("canbus send", frame)
	}
	err := l.inner.Send(frame)
	if err != nil {
		l.logger.Error("canbus send error", "driver", l.inner.Name(), "id", frame.IDHex(), "error", err)
	}
	return err
}

// Recv logs each received frame when read logging is enabled.
func (l *loggedDriver) Recv(timeout time.Duration) ([]Frame, error) {
	frames, err := l.inner.Recv(timeout)
	if l.opts&LogRead != 0 {
		if err != nil {
			l.logger.Error("canbus receive error", "driver", l.inner.Name(), "error", err)
		}
		for _, f := range frames {
			if l.filter.Match(f) {
				l.logFrame("canbus receive", f)
			}
		}
	}
	return frames, err
}

func (l *loggedDriver) Health() map[string]any { return l.inner.Health() }

func (l *loggedDriver) logFrame(msg string, f Frame) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, l.level) {
		return
	}
	l.logger.Log(ctx, l.level, msg,
		"driver", l.inner.Name(),
		"id", f.IDHex(),
		"extended", f.Extended,
		"rtr", f.RTR,
		"len", int(f.Len),
		"data", f.DataHex(),
	)
}
