package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/candiag/canbus"
)

// chanSource serves batches pushed on its channel and counts pulls.
type chanSource struct {
	batches chan []canbus.Frame
	pulls   atomic.Int32
}

func (c *chanSource) pull(ctx context.Context, timeout time.Duration, max int) []canbus.Frame {
	c.pulls.Add(1)
	select {
	case b := <-c.batches:
		return b
	case <-time.After(timeout):
		return nil
	case <-ctx.Done():
		return nil
	}
}

func startHub(t *testing.T, src *chanSource) *Hub {
	t.Helper()
	h := NewHub(src.pull, 5*time.Millisecond, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func recvBatch(t *testing.T, ch <-chan []canbus.Frame) []canbus.Frame {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "subscriber closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no batch")
		return nil
	}
}

func TestHubFanOutWithFilters(t *testing.T) {
	src := &chanSource{batches: make(chan []canbus.Frame, 1)}
	h := startHub(t, src)

	all, cancelAll := h.Subscribe(nil, 4)
	defer cancelAll()
	only, cancelOnly := h.Subscribe(canbus.ByIDs(0x18FEEE00), 4)
	defer cancelOnly()

	f1 := canbus.Frame{ID: 0x18FEEE00, Extended: true, Len: 1}
	f2 := canbus.Frame{ID: 0x0CF00400, Extended: true, Len: 1}
	src.batches <- []canbus.Frame{f1, f2}

	assert.Equal(t, []canbus.Frame{f1, f2}, recvBatch(t, all))
	assert.Equal(t, []canbus.Frame{f1}, recvBatch(t, only))
}

func TestHubSkipsEmptyFilteredBatches(t *testing.T) {
	src := &chanSource{batches: make(chan []canbus.Frame, 1)}
	h := startHub(t, src)

	none, cancel := h.Subscribe(canbus.ByIDs(0x1), 4)
	defer cancel()
	src.batches <- []canbus.Frame{{ID: 0x2, Len: 0}}

	select {
	case b := <-none:
		t.Fatalf("unexpected batch %v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	src := &chanSource{batches: make(chan []canbus.Frame)}
	h := startHub(t, src)

	slow, cancel := h.Subscribe(nil, 1)
	defer cancel()
	for i := range 3 {
		src.batches <- []canbus.Frame{{ID: uint32(i), Len: 0}}
	}
	// Let the pump dispatch the last batch.
	time.Sleep(20 * time.Millisecond)

	first := recvBatch(t, slow)
	assert.Equal(t, uint32(0), first[0].ID)
	select {
	case b := <-slow:
		t.Fatalf("expected dropped batches, got %v", b)
	default:
	}
}

func TestHubIdleWithoutSubscribers(t *testing.T) {
	src := &chanSource{batches: make(chan []canbus.Frame, 1)}
	h := startHub(t, src)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, src.pulls.Load())

	_, cancel := h.Subscribe(nil, 1)
	assert.Eventually(t, func() bool { return src.pulls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.Zero(t, h.Subscribers())
}

func TestHubClosesSubscribersOnStop(t *testing.T) {
	src := &chanSource{batches: make(chan []canbus.Frame)}
	h := NewHub(src.pull, 5*time.Millisecond, 100, nil)
	ch, cancel := h.Subscribe(nil, 1)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	stop()
	<-done
	_, ok := <-ch
	assert.False(t, ok)
}
