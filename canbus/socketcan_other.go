//go:build !linux

package canbus

import (
	"context"
	"time"
)

// SocketCANDriver is unavailable outside Linux; Open always fails.
type SocketCANDriver struct {
	iface string
}

var _ Driver = (*SocketCANDriver)(nil)

// NewSocketCANDriver returns a driver whose Open fails with ErrUnsupported.
func NewSocketCANDriver(iface string) *SocketCANDriver {
	return &SocketCANDriver{iface: iface}
}

// SocketCANAvailable always reports false outside Linux.
func SocketCANAvailable() bool { return false }

func (d *SocketCANDriver) Name() string { return "socketcan" }

func (d *SocketCANDriver) Open(ctx context.Context) error { return ErrUnsupported }

func (d *SocketCANDriver) Close() error { return nil }

func (d *SocketCANDriver) Send(frame Frame) error { return ErrNotOpen }

func (d *SocketCANDriver) Recv(timeout time.Duration) ([]Frame, error) { return nil, ErrNotOpen }

func (d *SocketCANDriver) Health() map[string]any {
	return map[string]any{"channel": d.iface}
}
