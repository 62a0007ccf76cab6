package canbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqFrame(i int) Frame {
	return Frame{ID: uint32(i), Extended: true}
}

func TestRxQueueFIFO(t *testing.T) {
	q := NewRxQueue(4)
	for i := 0; i < 3; i++ {
		assert.False(t, q.Push(seqFrame(i)))
	}
	got := q.Drain(10)
	require.Len(t, got, 3)
	for i, f := range got {
		assert.Equal(t, uint32(i), f.ID)
	}
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Drain(10))
}

func TestRxQueueDropsOldest(t *testing.T) {
	q := NewRxQueue(3)
	evicted := 0
	for i := 0; i < 5; i++ {
		if q.Push(seqFrame(i)) {
			evicted++
		}
	}
	assert.Equal(t, 2, evicted)
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, 3, q.Len())
	got := q.Drain(3)
	require.Len(t, got, 3)
	assert.Equal(t, []uint32{2, 3, 4}, []uint32{got[0].ID, got[1].ID, got[2].ID})
}

func TestRxQueueDefaultCapacity(t *testing.T) {
	q := NewRxQueue(0)
	assert.Equal(t, DefaultQueueSize, q.Cap())
	for i := 0; i < DefaultQueueSize+10; i++ {
		q.Push(seqFrame(i))
	}
	assert.Equal(t, DefaultQueueSize, q.Len())
	assert.Equal(t, uint64(10), q.Dropped())
	first := q.Drain(1)
	require.Len(t, first, 1)
	assert.Equal(t, uint32(10), first[0].ID)
}

func TestRxQueuePartialDrain(t *testing.T) {
	q := NewRxQueue(8)
	for i := 0; i < 6; i++ {
		q.Push(seqFrame(i))
	}
	assert.Len(t, q.Drain(4), 4)
	assert.Equal(t, 2, q.Len())
	assert.Nil(t, q.Drain(0))
}

func TestRxQueueConcurrent(t *testing.T) {
	q := NewRxQueue(64)
	const n = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(seqFrame(i))
		}
	}()
	var got []Frame
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		got = append(got, q.Drain(16)...)
		select {
		case <-done:
			got = append(got, q.Drain(64)...)
			assert.Equal(t, uint64(n), uint64(len(got))+q.Dropped())
			for i := 1; i < len(got); i++ {
				assert.Less(t, got[i-1].ID, got[i].ID)
			}
			return
		default:
		}
	}
}
