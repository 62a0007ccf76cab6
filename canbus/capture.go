package canbus

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// CaptureOptions tunes a capture backend. Zero values select defaults.
type CaptureOptions struct {
	// QueueSize is the RxQueue capacity (default DefaultQueueSize).
	QueueSize int

	// RecvTimeout bounds each Driver.Recv call (default 20ms). It is also
	// the worst-case latency for noticing a stop request.
	RecvTimeout time.Duration

	// JoinTimeout bounds how long Close waits for the capture loop (default 1s).
	JoinTimeout time.Duration

	// ErrorBackoff is the pause after a failed read (default 1ms).
	ErrorBackoff time.Duration

	// Logger receives lifecycle and read-error events (default: discard).
	Logger *slog.Logger
}

func (o CaptureOptions) withDefaults() CaptureOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = 20 * time.Millisecond
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// CaptureBackend implements Backend on top of any Driver.
//
// Once opened it runs exactly one capture goroutine, pinned to its OS
// thread, which is the only writer of the RxQueue. Consumers drain the
// queue with ReadBatch. Watchers get a copy of each captured frame and
// leave the queue untouched.
type CaptureBackend struct {
	drv    Driver
	opts   CaptureOptions
	queue  *RxQueue
	logger *slog.Logger

	mu     sync.Mutex // serializes Open and Close
	state  atomic.Int32
	stop   chan struct{}
	done   chan struct{}
	leaked atomic.Bool

	watchMu  sync.Mutex
	watchers map[chan Frame]struct{}

	framesTotal atomic.Uint64
	readErrors  atomic.Uint64
	txFrames    atomic.Uint64
	txErrors    atomic.Uint64
}

const (
	captureIdle int32 = iota
	captureRunning
	captureClosed
)

var _ Backend = (*CaptureBackend)(nil)

// NewCaptureBackend wraps drv. The driver is not opened until Open.
func NewCaptureBackend(drv Driver, opts CaptureOptions) *CaptureBackend {
	opts = opts.withDefaults()
	return &CaptureBackend{
		drv:    drv,
		opts:   opts,
		queue:  NewRxQueue(opts.QueueSize),
		logger: opts.Logger.With("driver", drv.Name()),
	}
}

// Driver returns the wrapped driver.
func (b *CaptureBackend) Driver() Driver { return b.drv }

// Queue returns the receive queue.
func (b *CaptureBackend) Queue() *RxQueue { return b.queue }

// Open opens the driver and starts the capture loop.
func (b *CaptureBackend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state.Load() {
	case captureRunning:
		return nil
	case captureClosed:
		return ErrClosed
	}
	if err := b.drv.Open(ctx); err != nil {
		_ = b.drv.Close()
		return err
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.state.Store(captureRunning)
	go b.loop(b.stop, b.done)
	b.logger.Info("capture started", "queueSize", b.queue.Cap())
	return nil
}

func (b *CaptureBackend) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	// Vendor libraries may keep per-thread state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case <-stop:
			return
		default:
		}
		frames, err := b.drv.Recv(b.opts.RecvTimeout)
		if err != nil {
			b.readErrors.Add(1)
			b.logger.Debug("capture read error", "err", err)
			select {
			case <-stop:
				return
			case <-time.After(b.opts.ErrorBackoff):
			}
			continue
		}
		now := time.Now()
		for i := range frames {
			if frames[i].Time.IsZero() {
				frames[i].Time = now
			}
			b.queue.Push(frames[i])
			b.framesTotal.Add(1)
		}
		b.offer(frames)
	}
}

func (b *CaptureBackend) offer(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for w := range b.watchers {
		for _, f := range frames {
			select {
			case w <- f:
			default:
			}
		}
	}
}

// Watch implements Backend.
func (b *CaptureBackend) Watch(buffer int) (<-chan Frame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	w := make(chan Frame, buffer)
	b.watchMu.Lock()
	if b.watchers == nil {
		b.watchers = make(map[chan Frame]struct{})
	}
	b.watchers[w] = struct{}{}
	b.watchMu.Unlock()
	stop := func() {
		b.watchMu.Lock()
		defer b.watchMu.Unlock()
		if _, ok := b.watchers[w]; ok {
			delete(b.watchers, w)
			close(w)
		}
	}
	return w, stop
}

// Close stops the capture loop, waiting at most JoinTimeout, then closes
// the driver. A loop stuck in a driver call is abandoned.
func (b *CaptureBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Swap(captureClosed) != captureRunning {
		return
	}
	close(b.stop)
	timer := time.NewTimer(b.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-b.done:
	case <-timer.C:
		b.leaked.Store(true)
		b.logger.Warn("capture loop did not stop in time", "timeout", b.opts.JoinTimeout)
	}
	if err := b.drv.Close(); err != nil {
		b.logger.Debug("driver close failed", "err", err)
	}
	b.logger.Info("capture stopped", "framesTotal", b.framesTotal.Load(), "dropped", b.queue.Dropped())
}

// Send transmits frame through the driver.
func (b *CaptureBackend) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch b.state.Load() {
	case captureIdle:
		return ErrNotOpen
	case captureClosed:
		return ErrClosed
	}
	if err := b.drv.Send(frame); err != nil {
		b.txErrors.Add(1)
		return err
	}
	b.txFrames.Add(1)
	return nil
}

// ReadBatch drains up to max frames from the receive queue.
func (b *CaptureBackend) ReadBatch(max int) []Frame {
	return b.queue.Drain(max)
}

// Running reports whether the capture loop is active.
func (b *CaptureBackend) Running() bool {
	return b.state.Load() == captureRunning
}

// Health merges the driver snapshot with capture counters.
func (b *CaptureBackend) Health() (map[string]any, error) {
	h := map[string]any{}
	for k, v := range b.drv.Health() {
		h[k] = v
	}
	h["driver"] = b.drv.Name()
	h["frames_total"] = b.framesTotal.Load()
	h["dropped"] = b.queue.Dropped()
	h["queued"] = b.queue.Len()
	h["read_errors"] = b.readErrors.Load()
	h["tx_frames"] = b.txFrames.Load()
	h["tx_errors"] = b.txErrors.Load()
	if b.leaked.Load() {
		return h, errors.New("canbus: capture loop leaked after close timeout")
	}
	return h, nil
}
