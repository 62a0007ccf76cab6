package canbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KvaserAPI is the part of Kvaser CANlib the driver needs. LoadKvaserAPI
// returns the platform implementation; tests supply fakes.
type KvaserAPI interface {
	// OpenChannel opens channel, applies the bus parameters for bitrate
	// and goes bus-on.
	OpenChannel(channel, bitrate int) (KvaserChannel, error)
}

// KvaserChannel is an open, bus-on CANlib channel.
type KvaserChannel interface {
	Write(f Frame) error
	// ReadWait waits at most timeout for one frame. ok is false when none
	// arrived.
	ReadWait(timeout time.Duration) (f Frame, ok bool, err error)
	Close() error
}

// kvaserMaxBatch bounds how many already-queued frames one Recv drains.
const kvaserMaxBatch = 256

// KvaserGuessedChannels are reported by discovery; CANlib is not asked.
var KvaserGuessedChannels = []string{"kvaser0", "kvaser1", "kvaser2", "kvaser3"}

// Predefined CANlib bus parameter constants (canBITRATE_*).
const (
	kvBitrate1M   = -1
	kvBitrate500K = -2
	kvBitrate250K = -3
	kvBitrate125K = -4
)

// KvaserBusParam maps a bitrate to the CANlib predefined constant.
func KvaserBusParam(bitrate int) (int32, error) {
	switch bitrate {
	case 1000000:
		return kvBitrate1M, nil
	case 500000:
		return kvBitrate500K, nil
	case 250000:
		return kvBitrate250K, nil
	case 125000:
		return kvBitrate125K, nil
	case 0:
		return 0, ErrBitrateRequired
	default:
		return 0, fmt.Errorf("kvaser: unsupported bitrate %d", bitrate)
	}
}

// KvaserDriver implements Driver over a Kvaser CANlib channel. Unlike the
// other variants it cannot open without a bitrate.
type KvaserDriver struct {
	channel int
	bitrate int
	api     KvaserAPI

	mu sync.Mutex
	ch KvaserChannel
}

var _ Driver = (*KvaserDriver)(nil)

// NewKvaserDriver returns a driver for the numeric CANlib channel.
func NewKvaserDriver(api KvaserAPI, channel, bitrate int) *KvaserDriver {
	return &KvaserDriver{channel: channel, bitrate: bitrate, api: api}
}

// Name implements Driver.
func (d *KvaserDriver) Name() string { return "kvaser" }

// Open implements Driver.
func (d *KvaserDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := KvaserBusParam(d.bitrate); err != nil {
		return fmt.Errorf("kvaser%d: %w", d.channel, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != nil {
		return nil
	}
	ch, err := d.api.OpenChannel(d.channel, d.bitrate)
	if err != nil {
		return fmt.Errorf("kvaser%d: %w", d.channel, err)
	}
	d.ch = ch
	return nil
}

func (d *KvaserDriver) handle() KvaserChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch
}

// Close implements Driver.
func (d *KvaserDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil {
		return nil
	}
	err := d.ch.Close()
	d.ch = nil
	return err
}

// Send implements Driver. Frames are always sent with an extended identifier.
func (d *KvaserDriver) Send(frame Frame) error {
	ch := d.handle()
	if ch == nil {
		return ErrNotOpen
	}
	frame.Extended = true
	if err := frame.Validate(); err != nil {
		return err
	}
	return ch.Write(frame)
}

// Recv waits for the first frame and then drains what is already queued.
func (d *KvaserDriver) Recv(timeout time.Duration) ([]Frame, error) {
	ch := d.handle()
	if ch == nil {
		return nil, ErrNotOpen
	}
	f, ok, err := ch.ReadWait(timeout)
	if err != nil || !ok {
		return nil, err
	}
	out := []Frame{f}
	for len(out) < kvaserMaxBatch {
		f, ok, err := ch.ReadWait(0)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, f)
	}
	return out, nil
}

// Health implements Driver.
func (d *KvaserDriver) Health() map[string]any {
	return map[string]any{
		"channel": fmt.Sprintf("kvaser%d", d.channel),
		"bitrate": d.bitrate,
		"open":    d.handle() != nil,
	}
}
