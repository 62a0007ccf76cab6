//go:build linux

package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/notnil/candiag/linkup"
)

// SocketCANDriver implements Driver over a Linux SocketCAN raw socket.
//
// The bitrate is a property of the kernel link and is configured out of
// band (see package linkup); the driver never changes it. Transmitted
// frames always carry an extended identifier. The socket receives its own
// transmissions so a self-test can observe them.
type SocketCANDriver struct {
	iface string

	mu sync.Mutex
	fd int
}

var _ Driver = (*SocketCANDriver)(nil)

// NewSocketCANDriver returns a driver bound to iface (e.g. "can0") on Open.
func NewSocketCANDriver(iface string) *SocketCANDriver {
	return &SocketCANDriver{iface: iface, fd: -1}
}

// SocketCANAvailable reports whether the kernel exposes AF_CAN sockets.
func SocketCANAvailable() bool {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return false
	}
	_ = unix.Close(fd)
	return true
}

// Name implements Driver.
func (d *SocketCANDriver) Name() string { return "socketcan" }

// Open creates the raw socket and binds it to the interface.
func (d *SocketCANDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd >= 0 {
		return nil
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socket(AF_CAN): %w", err)
	}
	ifi, err := net.InterfaceByName(d.iface)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("if %q: %w", d.iface, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("recv own msgs: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind(can@%s): %w", d.iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("nonblock: %w", err)
	}
	d.fd = fd
	return nil
}

func (d *SocketCANDriver) socket() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fd
}

// Close implements Driver.
func (d *SocketCANDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Send writes one frame using the Linux can_frame binary layout.
func (d *SocketCANDriver) Send(frame Frame) error {
	fd := d.socket()
	if fd < 0 {
		return ErrNotOpen
	}
	frame.Extended = true
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		n, err := unix.Write(fd, buf)
		switch {
		case err == nil && n != len(buf):
			return errors.New("canbus: short write")
		case err == nil:
			return nil
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS):
			// TX queue full; give the controller a moment.
			if time.Now().After(deadline) {
				return fmt.Errorf("canbus: transmit queue full: %w", err)
			}
			time.Sleep(time.Millisecond)
		case errors.Is(err, unix.EINTR):
		default:
			return err
		}
	}
}

// Recv polls the socket for at most timeout and reads every frame that is
// ready.
func (d *SocketCANDriver) Recv(timeout time.Duration) ([]Frame, error) {
	fd := d.socket()
	if fd < 0 {
		return nil, ErrNotOpen
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return nil, fmt.Errorf("canbus: poll revents 0x%x", fds[0].Revents)
	}
	var out []Frame
	var buf [unix.CAN_MTU]byte
	for len(out) < 256 {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				break
			}
			return out, err
		}
		if n != unix.CAN_MTU {
			return out, fmt.Errorf("canbus: short read: %d", n)
		}
		var f Frame
		if err := f.UnmarshalBinary(buf[:]); err != nil {
			continue
		}
		f.Time = time.Now()
		out = append(out, f)
	}
	return out, nil
}

// Health implements Driver.
func (d *SocketCANDriver) Health() map[string]any {
	h := map[string]any{"channel": d.iface}
	if up, err := linkup.IsInterfaceUp(d.iface); err == nil {
		h["link_up"] = up
	}
	return h
}
