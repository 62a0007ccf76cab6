package canbus

import (
	"context"
	"errors"
	"time"
)

// Driver is one hardware transport variant (raw socket, vendor device API,
// in-process loopback). A Driver knows nothing about queues or goroutines;
// NewCaptureBackend turns it into a Backend.
//
// Send and Recv may be called concurrently from different goroutines.
type Driver interface {
	// Name identifies the variant in health snapshots (e.g. "socketcan").
	Name() string

	// Open acquires the device. It may block on driver calls.
	Open(ctx context.Context) error

	// Close releases the device. Calling it twice must be harmless.
	Close() error

	// Send transmits one frame.
	Send(frame Frame) error

	// Recv waits at most timeout for received frames. It returns an empty
	// slice and a nil error when nothing arrived in time.
	Recv(timeout time.Duration) ([]Frame, error)

	// Health returns a variant specific key/value snapshot.
	Health() map[string]any
}

// Backend is an open-able CAN connection with its own receive buffer.
type Backend interface {
	// Open acquires the device and starts capturing. On failure the
	// backend is left closed.
	Open(ctx context.Context) error

	// Close stops capturing and releases the device. Idempotent.
	Close()

	// Send transmits one frame. It may block briefly.
	Send(ctx context.Context, frame Frame) error

	// ReadBatch drains up to max captured frames without blocking.
	ReadBatch(max int) []Frame

	// Watch returns a channel that sees every frame captured from now on,
	// alongside the receive queue, without taking frames out of it. A
	// watcher whose buffer is full misses frames. stop unregisters the
	// watcher and closes the channel.
	Watch(buffer int) (frames <-chan Frame, stop func())

	// Health returns a key/value snapshot of the backend.
	Health() (map[string]any, error)
}

var (
	// ErrClosed indicates the bus, endpoint or backend has been closed.
	ErrClosed = errors.New("canbus: closed")

	// ErrNotOpen indicates a send or receive on a backend that was never opened.
	ErrNotOpen = errors.New("canbus: not open")

	// ErrUnsupported indicates the variant is not available on this platform.
	ErrUnsupported = errors.New("canbus: unsupported on this platform")

	// ErrLibraryUnavailable indicates the vendor library could not be loaded.
	ErrLibraryUnavailable = errors.New("canbus: vendor library unavailable")

	// ErrBitrateRequired indicates a variant that needs a bitrate at open time.
	ErrBitrateRequired = errors.New("canbus: bitrate required")

	// ErrNoDevice indicates no device exists at the requested index.
	ErrNoDevice = errors.New("canbus: no device at that index")
)
