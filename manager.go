package candiag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"

	"github.com/notnil/candiag/canbus"
)

// Config tunes a Manager. Zero values select defaults.
type Config struct {
	// QueueSize is the receive queue capacity (default canbus.DefaultQueueSize).
	QueueSize int

	// PollInterval is the GetRxBatch polling period (default 10ms).
	PollInterval time.Duration

	// RecvTimeout bounds each driver read of the capture loop (default 20ms).
	RecvTimeout time.Duration

	// JoinTimeout bounds the wait for the capture loop on disconnect (default 1s).
	JoinTimeout time.Duration

	// SelfTestTimeout is the echo wait when SelfTest gets no timeout (default 300ms).
	SelfTestTimeout time.Duration

	// Registry resolves channel names (default DefaultRegistry()).
	Registry *Registry

	// Logger receives lifecycle events (default: discard).
	Logger *slog.Logger

	// FrameLog enables per-frame debug logging of the selected operations,
	// restricted to frames accepted by FrameFilter.
	FrameLog    canbus.LogOption
	FrameFilter canbus.FrameFilter
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.SelfTestTimeout <= 0 {
		c.SelfTestTimeout = 300 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Registry == nil {
		c.Registry = DefaultRegistry()
	}
	return c
}

// State is the connection state of a Manager.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionInfo describes the open connection. It is replaced wholesale
// on every connect and cleared on disconnect.
type ConnectionInfo struct {
	Kind        string
	Channel     string
	Bitrate     int
	ConnectedAt time.Time
	Session     string
}

// Manager owns the single active backend and its capture loop.
//
// Connect and Disconnect are serialized: a connect first tears down the
// previous backend, waiting for its capture loop, before opening the next
// one, so two capture loops never run at once. The I/O methods read the
// current backend under a short lock and never hold it across driver calls.
type Manager struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	conn  chan struct{} // one token: held by Connect/Disconnect
	state atomic.Int32

	mu      sync.RWMutex
	backend canbus.Backend
	info    *ConnectionInfo
}

// New returns a disconnected Manager.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		conn:     make(chan struct{}, 1),
	}
}

// Registry returns the manager's variant registry.
func (m *Manager) Registry() *Registry { return m.registry }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Info returns a copy of the connection info, or nil when disconnected.
func (m *Manager) Info() *ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.info == nil {
		return nil
	}
	info := *m.info
	return &info
}

func (m *Manager) lockConn(ctx context.Context) error {
	select {
	case m.conn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlockConn() { <-m.conn }

func (m *Manager) current() (canbus.Backend, *ConnectionInfo) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend, m.info
}

// teardown closes the current backend. The caller holds the conn token.
func (m *Manager) teardown() {
	m.mu.Lock()
	b, info := m.backend, m.info
	m.backend, m.info = nil, nil
	m.mu.Unlock()
	if b != nil {
		m.state.Store(int32(Disconnecting))
		b.Close()
		m.logger.Info("disconnected", "driver", info.Kind, "channel", info.Channel, "session", info.Session)
	}
	m.state.Store(int32(Disconnected))
}

// Connect closes any open connection and opens channel. bitrate is
// optional (0) for every variant but Kvaser. The open runs on its own
// goroutine; if ctx ends first Connect returns and the late backend is
// closed as soon as its open completes. Until then the connection token
// stays taken, so the next Connect or Disconnect waits for that close.
func (m *Manager) Connect(ctx context.Context, channel string, bitrate int) (string, error) {
	if err := m.lockConn(ctx); err != nil {
		return "", &ConnectError{Channel: channel, Err: err}
	}
	held := true
	returned := make(chan struct{})
	defer func() {
		close(returned)
		if held {
			m.unlockConn()
		}
	}()

	m.teardown()
	m.state.Store(int32(Connecting))

	b, variant, abandoned, err := m.open(ctx, channel, bitrate, returned)
	if abandoned {
		held = false
	}
	if err != nil {
		m.state.Store(int32(Disconnected))
		m.logger.Warn("connect failed", "channel", channel, "bitrate", bitrate, "err", err)
		return "", &ConnectError{Channel: channel, Err: err}
	}

	info := &ConnectionInfo{
		Kind:        variant.Kind,
		Channel:     channel,
		Bitrate:     bitrate,
		ConnectedAt: time.Now(),
		Session:     runtimex.PanicOnError1(uuid.NewV7()).String(),
	}
	m.mu.Lock()
	m.backend, m.info = b, info
	m.mu.Unlock()
	m.state.Store(int32(Connected))
	m.logger.Info("connected", "driver", info.Kind, "channel", channel, "bitrate", bitrate, "session", info.Session)
	return fmt.Sprintf("connected (%s)", variant.Kind), nil
}

// open resolves channel and opens its backend. When ctx ends before the
// open completes, abandoned is true and ownership of the connection token
// passes to the goroutine that closes the late backend. That goroutine
// releases the token once the backend is closed and returned is closed.
func (m *Manager) open(ctx context.Context, channel string, bitrate int, returned <-chan struct{}) (_ canbus.Backend, _ Variant, abandoned bool, _ error) {
	variant, err := m.registry.Resolve(channel)
	if err != nil {
		return nil, Variant{}, false, err
	}
	drv, err := variant.NewDriver(channel, bitrate, m.logger)
	if err != nil {
		return nil, variant, false, err
	}
	if m.cfg.FrameLog != canbus.LogNone {
		drv = canbus.NewLoggedDriver(drv, m.logger, slog.LevelDebug, m.cfg.FrameLog, m.cfg.FrameFilter)
	}
	b := canbus.NewCaptureBackend(drv, canbus.CaptureOptions{
		QueueSize:   m.cfg.QueueSize,
		RecvTimeout: m.cfg.RecvTimeout,
		JoinTimeout: m.cfg.JoinTimeout,
		Logger:      m.logger,
	})
	_, abandoned, err = offload(ctx, func() (struct{}, error) {
		return struct{}{}, b.Open(ctx)
	}, func(struct{}, error) {
		b.Close()
		m.logger.Info("abandoned open closed", "channel", channel)
		<-returned
		m.unlockConn()
	})
	if err != nil {
		return nil, variant, abandoned, err
	}
	return b, variant, false, nil
}

// Disconnect closes the open connection, if any.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.lockConn(ctx); err != nil {
		return err
	}
	defer m.unlockConn()
	m.teardown()
	return nil
}

// Close disconnects, waiting as long as needed for the connection token.
func (m *Manager) Close() error {
	return m.Disconnect(context.Background())
}

// Send transmits one frame on the open backend.
func (m *Manager) Send(ctx context.Context, frame canbus.Frame) error {
	b, _ := m.current()
	if b == nil {
		return ErrNotConnected
	}
	if err := b.Send(ctx, frame); err != nil {
		return &SendError{ID: frame.IDHex(), Err: err}
	}
	return nil
}

// SendHex parses idHex and dataHex and transmits an extended frame.
func (m *Manager) SendHex(ctx context.Context, idHex, dataHex string) error {
	if b, _ := m.current(); b == nil {
		return ErrNotConnected
	}
	frame, err := canbus.FrameFromHex(idHex, dataHex)
	if err != nil {
		return &SendError{ID: idHex, Err: err}
	}
	return m.Send(ctx, frame)
}

// SendItem is one frame of a batch send request.
type SendItem struct {
	IDHex   string `json:"id_hex"`
	DataHex string `json:"data_hex"`
}

// SendResult is the independent outcome of one SendItem.
type SendResult struct {
	IDHex      string `json:"id_hex"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
}

// SendBatch sends items in order. A failing item never affects the others.
func (m *Manager) SendBatch(ctx context.Context, items []SendItem) []SendResult {
	out := make([]SendResult, 0, len(items))
	for _, it := range items {
		res := SendResult{IDHex: it.IDHex, OK: true}
		if err := m.SendHex(ctx, it.IDHex, it.DataHex); err != nil {
			res.OK = false
			res.Error = err.Error()
			res.ErrorClass = ErrClass(err)
		}
		out = append(out, res)
	}
	return out
}

// GetRxBatch collects captured frames, polling every PollInterval until
// max frames are collected, timeout elapses or ctx ends. It returns
// whatever was collected, possibly nothing.
func (m *Manager) GetRxBatch(ctx context.Context, timeout time.Duration, max int) []canbus.Frame {
	if max <= 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	var out []canbus.Frame
	for {
		b, _ := m.current()
		if b == nil {
			return out
		}
		out = append(out, b.ReadBatch(max-len(out))...)
		if len(out) >= max || !time.Now().Before(deadline) {
			return out
		}
		select {
		case <-ctx.Done():
			return out
		case <-ticker.C:
		}
	}
}

// HealthSnapshot describes the manager and its backend. It never fails:
// backend errors and panics are folded into the "error" and "error_class"
// keys. "preferred" is always present; "dropped" is present whenever a
// backend is open.
func (m *Manager) HealthSnapshot() map[string]any {
	h := map[string]any{
		"preferred": m.registry.Preferred(),
		"state":     m.State().String(),
	}
	b, info := m.current()
	if b == nil {
		h["status"] = "disconnected"
		return h
	}
	h["status"] = "connected"
	h["driver"] = info.Kind
	h["channel"] = info.Channel
	h["connected_at"] = float64(info.ConnectedAt.UnixNano()) / 1e9
	h["session"] = info.Session
	if info.Bitrate > 0 {
		h["bitrate"] = info.Bitrate
	}
	m.foldBackendHealth(h, b)
	if _, ok := h["dropped"]; !ok {
		h["dropped"] = uint64(0)
	}
	return h
}

func (m *Manager) foldBackendHealth(h map[string]any, b canbus.Backend) {
	fail := func(err error) {
		h["error"] = err.Error()
		h["error_class"] = ErrClass(err)
	}
	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("candiag: backend health panicked: %v", r))
		}
	}()
	bh, err := b.Health()
	for k, v := range bh {
		if _, taken := h[k]; !taken {
			h[k] = v
		}
	}
	if err != nil {
		fail(err)
	}
}
