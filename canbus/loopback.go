package canbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// endpointBuffer is the per-endpoint receive buffer of a LoopbackBus.
const endpointBuffer = 1024

// LoopbackBus is an in-memory CAN bus for tests and simulations.
// Multiple endpoints opened from the same bus can exchange frames.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*Endpoint]struct{}
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*Endpoint]struct{})}
}

// Open creates a new endpoint attached to the bus. When echo is true the
// endpoint also receives its own transmissions, like a SocketCAN socket
// with CAN_RAW_RECV_OWN_MSGS.
func (b *LoopbackBus) Open(echo bool) *Endpoint {
	ep := &Endpoint{
		bus:    b,
		echo:   echo,
		ch:     make(chan Frame, endpointBuffer),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ep.dead = true
		close(ep.closed)
		close(ep.ch)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	b.mu.Unlock()
	return nil
}

// Endpoints returns the number of attached endpoints.
func (b *LoopbackBus) Endpoints() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.endpoints)
}

// Endpoint is one node attached to a LoopbackBus.
type Endpoint struct {
	bus     *LoopbackBus
	echo    bool
	ch      chan Frame
	mu      sync.Mutex
	dead    bool
	closed  chan struct{}
	dropped atomic.Uint64
}

// Send broadcasts the frame to all other endpoints on the same bus, and to
// this endpoint too when it echoes. Delivery never blocks: an endpoint whose
// buffer is full loses the frame, as a real controller would.
func (e *Endpoint) Send(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	// Snapshot endpoints under bus lock to avoid holding while sending.
	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Endpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e || e.echo {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	frame.Time = time.Now()
	for _, t := range targets {
		t.deliver(frame)
	}
	return nil
}

func (e *Endpoint) deliver(frame Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	select {
	case e.ch <- frame:
	default:
		e.dropped.Add(1)
	}
}

// Receive waits for the next frame.
func (e *Endpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-e.ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// ReceiveBatch waits at most timeout for a first frame and then drains
// whatever else is already buffered, up to max frames.
func (e *Endpoint) ReceiveBatch(timeout time.Duration, max int) ([]Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var out []Frame
	select {
	case f, ok := <-e.ch:
		if !ok {
			return nil, ErrClosed
		}
		out = append(out, f)
	case <-timer.C:
		return nil, nil
	}
	for len(out) < max {
		select {
		case f, ok := <-e.ch:
			if !ok {
				return out, nil
			}
			out = append(out, f)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Dropped returns how many frames this endpoint lost to a full buffer.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }

// Close detaches endpoint from bus and closes its channel.
func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *Endpoint) closeNoLock() {
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return
	}
	e.dead = true
	close(e.closed)
	close(e.ch)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.mu.Unlock()
}

var (
	sharedMu    sync.Mutex
	sharedBuses = map[string]*LoopbackBus{}
)

// openShared attaches an endpoint to the shared bus registered under
// name, creating the bus on first use.
func openShared(name string, echo bool) (*LoopbackBus, *Endpoint) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	b, ok := sharedBuses[name]
	if !ok {
		b = NewLoopbackBus()
		sharedBuses[name] = b
	}
	return b, b.Open(echo)
}

// releaseShared forgets the shared bus under name once nothing is
// attached to it.
func releaseShared(name string, b *LoopbackBus) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedBuses[name] == b && b.Endpoints() == 0 {
		delete(sharedBuses, name)
	}
}

// SharedLoopbackNames lists the shared buses that have endpoints attached.
func SharedLoopbackNames() []string {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	names := make([]string, 0, len(sharedBuses))
	for n := range sharedBuses {
		names = append(names, n)
	}
	return names
}

// LoopbackDriver is a Driver backed by an endpoint of a LoopbackBus.
type LoopbackDriver struct {
	name   string
	echo   bool
	shared bool

	mu  sync.Mutex
	bus *LoopbackBus
	ep  *Endpoint
}

var _ Driver = (*LoopbackDriver)(nil)

// NewLoopbackDriver returns a driver that attaches to bus on Open. The
// channel name is only used for health reporting.
func NewLoopbackDriver(channel string, bus *LoopbackBus, echo bool) *LoopbackDriver {
	return &LoopbackDriver{name: channel, bus: bus, echo: echo}
}

// NewSharedLoopbackDriver returns a driver that attaches on Open to the
// process-wide bus named channel. Drivers opened with the same name share
// one bus, which is forgotten when its last endpoint closes.
func NewSharedLoopbackDriver(channel string, echo bool) *LoopbackDriver {
	return &LoopbackDriver{name: channel, echo: echo, shared: true}
}

// Name implements Driver.
func (d *LoopbackDriver) Name() string { return "loopback" }

// Open implements Driver.
func (d *LoopbackDriver) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ep != nil {
		return nil
	}
	if d.shared {
		d.bus, d.ep = openShared(d.name, d.echo)
		return nil
	}
	d.bus.mu.RLock()
	closed := d.bus.closed
	d.bus.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	d.ep = d.bus.Open(d.echo)
	return nil
}

func (d *LoopbackDriver) endpoint() *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ep
}

// Close implements Driver.
func (d *LoopbackDriver) Close() error {
	d.mu.Lock()
	ep, bus := d.ep, d.bus
	d.ep = nil
	if d.shared {
		d.bus = nil
	}
	d.mu.Unlock()
	if ep == nil {
		return nil
	}
	err := ep.Close()
	if d.shared {
		releaseShared(d.name, bus)
	}
	return err
}

// Send implements Driver.
func (d *LoopbackDriver) Send(frame Frame) error {
	ep := d.endpoint()
	if ep == nil {
		return ErrNotOpen
	}
	return ep.Send(frame)
}

// Recv implements Driver.
func (d *LoopbackDriver) Recv(timeout time.Duration) ([]Frame, error) {
	ep := d.endpoint()
	if ep == nil {
		return nil, ErrNotOpen
	}
	return ep.ReceiveBatch(timeout, endpointBuffer)
}

// Health implements Driver.
func (d *LoopbackDriver) Health() map[string]any {
	d.mu.Lock()
	bus, ep := d.bus, d.ep
	d.mu.Unlock()
	endpoints := 0
	if bus != nil {
		endpoints = bus.Endpoints()
	}
	h := map[string]any{
		"channel":   d.name,
		"echo":      d.echo,
		"endpoints": endpoints,
	}
	if ep != nil {
		h["bus_dropped"] = ep.Dropped()
	}
	return h
}
