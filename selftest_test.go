package candiag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfTestNotConnected(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	res := m.SelfTest(context.Background(), 0)
	assert.False(t, res.Connected)
	assert.False(t, res.TxOK)
	assert.Equal(t, "not connected", res.Reason)
}

func TestSelfTestLoopbackEcho(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	_, err := m.Connect(context.Background(), "loop-selftest-echo", 0)
	require.NoError(t, err)

	// Stale traffic must not count as the echo.
	require.NoError(t, m.SendHex(context.Background(), "0CF00400", "00"))
	time.Sleep(20 * time.Millisecond)

	res := m.SelfTest(context.Background(), time.Second)
	assert.True(t, res.Connected)
	assert.True(t, res.TxOK)
	assert.True(t, res.EchoRx)
	assert.GreaterOrEqual(t, res.RxSeen, 1)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.Note)
}

func TestSelfTestNoEchoIsNotAnError(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel}
	}))
	_, err := m.Connect(context.Background(), "fake0", 0)
	require.NoError(t, err)

	start := time.Now()
	res := m.SelfTest(context.Background(), 50*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, res.Connected)
	assert.True(t, res.TxOK)
	assert.False(t, res.EchoRx)
	assert.Zero(t, res.RxSeen)
	assert.Empty(t, res.Error)
}

func TestSelfTestEchoingDriver(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, echo: true}
	}))
	_, err := m.Connect(context.Background(), "fake0", 0)
	require.NoError(t, err)

	res := m.SelfTest(context.Background(), time.Second)
	assert.True(t, res.EchoRx)
	assert.Equal(t, 1, res.RxSeen)
}

func TestSelfTestSendFailure(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, sendErr: errors.New("bus off")}
	}))
	_, err := m.Connect(context.Background(), "fake0", 0)
	require.NoError(t, err)

	res := m.SelfTest(context.Background(), 20*time.Millisecond)
	assert.True(t, res.Connected)
	assert.False(t, res.TxOK)
	assert.Contains(t, res.Error, "bus off")
}

func TestSelfTestEchoWhileQueueIsDrained(t *testing.T) {
	m := newTestManager(t, LoopbackVariant())
	_, err := m.Connect(context.Background(), "loop-selftest-drained", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ctx.Err() == nil {
			m.GetRxBatch(ctx, 5*time.Millisecond, 200)
		}
	}()
	defer func() {
		cancel()
		<-drained
	}()

	for range 10 {
		res := m.SelfTest(context.Background(), 300*time.Millisecond)
		require.True(t, res.TxOK)
		assert.True(t, res.EchoRx)
	}
}

func TestSelfTestReturnsUnderSustainedTraffic(t *testing.T) {
	bus := &fakeBus{}
	m := newTestManager(t, fakeVariant(func(channel string) *fakeDriver {
		return &fakeDriver{bus: bus, channel: channel, flood: 64}
	}))
	_, err := m.Connect(context.Background(), "fake0", 0)
	require.NoError(t, err)

	done := make(chan SelfTestResult, 1)
	go func() { done <- m.SelfTest(context.Background(), 50*time.Millisecond) }()
	select {
	case res := <-done:
		assert.True(t, res.TxOK)
		assert.False(t, res.EchoRx)
		assert.Positive(t, res.RxSeen)
	case <-time.After(5 * time.Second):
		t.Fatal("self-test did not return")
	}
}
