package canbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ICSDevice describes one enumerated Intrepid device.
type ICSDevice struct {
	Index  int
	Serial string
	Type   string
}

// ICSAPI is the part of the Intrepid device library the driver needs.
// LoadICSAPI returns the platform implementation; tests supply fakes.
type ICSAPI interface {
	// Devices enumerates attached devices in index order.
	Devices() ([]ICSDevice, error)

	// OpenDevice opens the device at index.
	OpenDevice(index int) (ICSHandle, error)
}

// ICSHandle is an opened Intrepid device.
type ICSHandle interface {
	// SetBitrate stores a new CAN1 bitrate in the device settings and applies them.
	SetBitrate(bitrate int) error
	GoOnline() error
	Transmit(f Frame) error
	// Messages waits at most timeout for received CAN1 frames.
	Messages(timeout time.Duration) ([]Frame, error)
	Close() error
}

// ICSDriver implements Driver over an Intrepid device.
//
// A non-zero bitrate is pushed into the device settings on Open. Failing
// to do so is logged and otherwise ignored because most devices keep the
// rate stored by a previous session.
type ICSDriver struct {
	index   int
	bitrate int
	api     ICSAPI
	logger  *slog.Logger

	mu         sync.Mutex
	dev        ICSHandle
	info       ICSDevice
	bitrateErr error
}

var _ Driver = (*ICSDriver)(nil)

// NewICSDriver returns a driver for the device at index. A nil logger
// discards output.
func NewICSDriver(api ICSAPI, index, bitrate int, logger *slog.Logger) *ICSDriver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ICSDriver{index: index, bitrate: bitrate, api: api, logger: logger}
}

// Name implements Driver.
func (d *ICSDriver) Name() string { return "intrepid" }

// Open enumerates devices, opens the one at the configured index and goes
// online.
func (d *ICSDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return nil
	}
	devs, err := d.api.Devices()
	if err != nil {
		return fmt.Errorf("intrepid: enumerate: %w", err)
	}
	if d.index < 0 || d.index >= len(devs) {
		return fmt.Errorf("intrepid%d: %w (found %d)", d.index, ErrNoDevice, len(devs))
	}
	dev, err := d.api.OpenDevice(d.index)
	if err != nil {
		return fmt.Errorf("intrepid%d: open: %w", d.index, err)
	}
	d.bitrateErr = nil
	if d.bitrate > 0 {
		if err := dev.SetBitrate(d.bitrate); err != nil {
			d.bitrateErr = err
			d.logger.Warn("intrepid bitrate not applied", "index", d.index, "bitrate", d.bitrate, "err", err)
		}
	}
	if err := dev.GoOnline(); err != nil {
		_ = dev.Close()
		return fmt.Errorf("intrepid%d: go online: %w", d.index, err)
	}
	d.dev = dev
	d.info = devs[d.index]
	return nil
}

func (d *ICSDriver) handle() ICSHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev
}

// Close implements Driver.
func (d *ICSDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}

// Send implements Driver. Frames are always sent with an extended identifier.
func (d *ICSDriver) Send(frame Frame) error {
	dev := d.handle()
	if dev == nil {
		return ErrNotOpen
	}
	frame.Extended = true
	if err := frame.Validate(); err != nil {
		return err
	}
	return dev.Transmit(frame)
}

// Recv implements Driver.
func (d *ICSDriver) Recv(timeout time.Duration) ([]Frame, error) {
	dev := d.handle()
	if dev == nil {
		return nil, ErrNotOpen
	}
	return dev.Messages(timeout)
}

// Health implements Driver.
func (d *ICSDriver) Health() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := map[string]any{
		"channel": fmt.Sprintf("intrepid%d", d.index),
		"index":   d.index,
		"open":    d.dev != nil,
	}
	if d.dev != nil {
		h["serial"] = d.info.Serial
		h["device_type"] = d.info.Type
	}
	if d.bitrate > 0 {
		h["bitrate"] = d.bitrate
		h["bitrate_applied"] = d.bitrateErr == nil
	}
	return h
}

// ICSChannels lists "intrepidN" for every enumerated device.
func ICSChannels(api ICSAPI) ([]string, error) {
	devs, err := api.Devices()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devs))
	for _, dev := range devs {
		out = append(out, fmt.Sprintf("intrepid%d", dev.Index))
	}
	return out, nil
}
