package candiag

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/candiag/canbus"
)

// fakeBus counts how many of its drivers are open at the same time.
type fakeBus struct {
	open    atomic.Int32
	maxOpen atomic.Int32
	opens   atomic.Int32
}

// fakeDriver is a Driver that never receives unless echo is set.
type fakeDriver struct {
	bus         *fakeBus
	channel     string
	echo        bool
	openErr     error
	openDelay   time.Duration
	sendErr     error
	healthPanic bool
	flood       int // frames returned by every Recv, with no wait

	mu      sync.Mutex
	isOpen  bool
	pending []canbus.Frame
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ctx context.Context) error {
	if d.openDelay > 0 {
		time.Sleep(d.openDelay)
	}
	if d.openErr != nil {
		return d.openErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isOpen = true
	d.bus.opens.Add(1)
	n := d.bus.open.Add(1)
	for {
		m := d.bus.maxOpen.Load()
		if n <= m || d.bus.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isOpen {
		d.isOpen = false
		d.bus.open.Add(-1)
	}
	return nil
}

func (d *fakeDriver) Send(f canbus.Frame) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	if d.echo {
		d.mu.Lock()
		d.pending = append(d.pending, f)
		d.mu.Unlock()
	}
	return nil
}

func (d *fakeDriver) Recv(timeout time.Duration) ([]canbus.Frame, error) {
	d.mu.Lock()
	out := d.pending
	d.pending = nil
	d.mu.Unlock()
	for range d.flood {
		out = append(out, canbus.MustFrame(0x0CF00400, []byte{0}))
	}
	if len(out) == 0 {
		time.Sleep(timeout)
	}
	return out, nil
}

func (d *fakeDriver) Health() map[string]any {
	if d.healthPanic {
		panic("device vanished")
	}
	return map[string]any{"channel": d.channel}
}

// fakeVariant routes "fake*" channels to drivers built by mk.
func fakeVariant(mk func(channel string) *fakeDriver) Variant {
	return Variant{
		Kind:   "fake",
		Prefix: "fake",
		NewDriver: func(channel string, bitrate int, logger *slog.Logger) (canbus.Driver, error) {
			return mk(channel), nil
		},
		Discover: func(ctx context.Context) ([]string, error) {
			return []string{"fake0", "fake1"}, nil
		},
	}
}

func newTestManager(t *testing.T, variants ...Variant) *Manager {
	t.Helper()
	m := New(Config{
		Registry:    NewRegistry("none", variants...),
		RecvTimeout: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnectDisconnectLoopback(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	assert.Equal(t, Disconnected, m.State())

	msg, err := m.Connect(context.Background(), "loop-mgr-connect", 0)
	require.NoError(t, err)
	assert.Equal(t, "connected (loopback)", msg)
	assert.Equal(t, Connected, m.State())

	info := m.Info()
	require.NotNil(t, info)
	assert.Equal(t, "loopback", info.Kind)
	assert.Equal(t, "loop-mgr-connect", info.Channel)
	assert.Len(t, info.Session, 36)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.Info())
}

func TestConnectWhileConnectedClosesPreviousFirst(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel}
	}))

	for _, ch := range []string{"fake0", "fake1", "fake0", "fake1"} {
		_, err := m.Connect(context.Background(), ch, 0)
		require.NoError(t, err)
		assert.Equal(t, int32(1), bus.open.Load())
	}
	assert.Equal(t, int32(4), bus.opens.Load())
	assert.Equal(t, int32(1), bus.maxOpen.Load())
	assert.Equal(t, "fake1", m.Info().Channel)
}

func TestConcurrentConnectsNeverOverlap(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, openDelay: time.Millisecond}
	}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Connect(context.Background(), "fake0", 0)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), bus.maxOpen.Load())
	assert.Equal(t, Connected, m.State())
}

func TestConnectFailure(t *testing.T) {
	bus := &fakeBus{}
	boom := errors.New("no such device")
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, openErr: boom}
	}))

	_, err := m.Connect(context.Background(), "fake0", 0)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "fake0", cerr.Channel)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, "disconnected", m.HealthSnapshot()["status"])
}

func TestConnectUnknownChannel(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	_, err := m.Connect(context.Background(), "can0", 0)
	assert.ErrorIs(t, err, ErrNoVariant)
}

func TestConnectCancelledClosesLateBackend(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, openDelay: 100 * time.Millisecond}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Connect(ctx, "fake0", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Disconnected, m.State())

	assert.Eventually(t, func() bool {
		return bus.opens.Load() == 1 && bus.open.Load() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectAfterCancelledConnectWaitsForLateBackend(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, openDelay: 100 * time.Millisecond}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Connect(ctx, "fake0", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.Connect(context.Background(), "fake1", 0)
	require.NoError(t, err)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, "fake1", m.Info().Channel)
	assert.Equal(t, int32(2), bus.opens.Load())
	assert.Equal(t, int32(1), bus.open.Load())
	assert.Equal(t, int32(1), bus.maxOpen.Load())
}

func TestSendNotConnected(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	err := m.SendHex(context.Background(), "18FEEEFF", "00")
	assert.ErrorIs(t, err, ErrNotConnected)

	results := m.SendBatch(context.Background(), []SendItem{{IDHex: "18FEEEFF", DataHex: "00"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, ErrNotConnected.Error(), results[0].Error)
}

func TestSendBatchMalformedItemFailsAlone(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	_, err := m.Connect(context.Background(), "loop-mgr-batch", 0)
	require.NoError(t, err)

	results := m.SendBatch(context.Background(), []SendItem{
		{IDHex: "18FEEEFF", DataHex: "0102"},
		{IDHex: "ZZ", DataHex: "00"},
		{IDHex: "18FEF100", DataHex: "ABC"},
		{IDHex: "0CF00400", DataHex: ""},
	})
	require.Len(t, results, 4)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Error, "invalid hex")
	assert.NotEmpty(t, results[1].ErrorClass)
	assert.False(t, results[2].OK)
	assert.True(t, results[3].OK)
	assert.Equal(t, "ZZ", results[1].IDHex)

	frames := m.GetRxBatch(context.Background(), time.Second, 2)
	require.Len(t, frames, 2)
	assert.Equal(t, "18FEEEFF", frames[0].IDHex())
	assert.Equal(t, "0CF00400", frames[1].IDHex())
}

func TestSendDriverErrorIsSendError(t *testing.T) {
	bus := &fakeBus{}
	boom := errors.New("bus off")
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, sendErr: boom}
	}))
	_, err := m.Connect(context.Background(), "fake0", 0)
	require.NoError(t, err)

	err = m.SendHex(context.Background(), "18FEEEFF", "00")
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "18FEEEFF", serr.ID)
	assert.ErrorIs(t, err, boom)
}

func TestGetRxBatchTimesOutEmpty(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	assert.Empty(t, m.GetRxBatch(context.Background(), 20*time.Millisecond, 10))

	_, err := m.Connect(context.Background(), "loop-mgr-empty", 0)
	require.NoError(t, err)
	start := time.Now()
	assert.Empty(t, m.GetRxBatch(context.Background(), 30*time.Millisecond, 10))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Empty(t, m.GetRxBatch(context.Background(), time.Second, 0))
}

func TestGetRxBatchBetweenManagers(t *testing.T) {
	tx := newTestManager(t, LoopbackVariant())
	rx := newTestManager(t, LoopbackVariant())
	_, err := rx.Connect(context.Background(), "loop-mgr-pair", 0)
	require.NoError(t, err)
	_, err = tx.Connect(context.Background(), "loop-mgr-pair", 0)
	require.NoError(t, err)

	for _, data := range []string{"01", "02", "03"} {
		require.NoError(t, tx.SendHex(context.Background(), "18FEF100", data))
	}
	frames := rx.GetRxBatch(context.Background(), time.Second, 3)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint8(i+1), f.Data[0])
		assert.False(t, f.Time.IsZero())
	}
}

func TestHealthSnapshot(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	h := m.HealthSnapshot()
	assert.Equal(t, "disconnected", h["status"])
	assert.Equal(t, "none", h["preferred"])
	assert.NotContains(t, h, "dropped")

	_, err := m.Connect(context.Background(), "loop-mgr-health", 0)
	require.NoError(t, err)
	h = m.HealthSnapshot()
	assert.Equal(t, "connected", h["status"])
	assert.Equal(t, "loopback", h["driver"])
	assert.Equal(t, "loop-mgr-health", h["channel"])
	assert.Equal(t, "connected", h["state"])
	assert.Equal(t, uint64(0), h["dropped"])
	assert.Contains(t, h, "frames_total")
	assert.Contains(t, h, "session")
	assert.NotContains(t, h, "error")
}

func TestHealthSnapshotFoldsPanics(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, healthPanic: true}
	}))
	_, err := m.Connect(context.Background(), "fake0", 0)
	require.NoError(t, err)

	var h map[string]any
	require.NotPanics(t, func() { h = m.HealthSnapshot() })
	assert.Equal(t, "connected", h["status"])
	assert.Contains(t, h["error"], "device vanished")
	assert.NotEmpty(t, h["error_class"])
	assert.Equal(t, "none", h["preferred"])
	assert.Contains(t, h, "dropped")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnecting", Disconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestFrameLogDecorator(t *testing.T) {
	var records atomic.Int32
	logger := slog.New(slog.NewTextHandler(countingWriter{&records}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := New(Config{
		Registry: NewRegistry("none", LoopbackVariant()),
		Logger:   logger,
		FrameLog: canbus.LogWrite,
	})
	defer m.Close()
	_, err := m.Connect(context.Background(), "loop-mgr-log", 0)
	require.NoError(t, err)
	before := records.Load()
	require.NoError(t, m.SendHex(context.Background(), "18FEF100", "01"))
	assert.Greater(t, records.Load(), before)
}

type countingWriter struct{ n *atomic.Int32 }

func (w countingWriter) Write(p []byte) (int, error) {
	w.n.Add(1)
	return len(p), nil
}
