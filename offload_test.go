package candiag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffloadReturnsResult(t *testing.T) {
	v, abandoned, err := offload(context.Background(), func() (int, error) { return 42, nil }, nil)
	require.NoError(t, err)
	assert.False(t, abandoned)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, abandoned, err = offload(context.Background(), func() (int, error) { return 0, boom }, nil)
	assert.ErrorIs(t, err, boom)
	assert.False(t, abandoned)
}

func TestOffloadAbandonsLateResult(t *testing.T) {
	late := make(chan int, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	v, abandoned, err := offload(ctx, func() (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 7, nil
	}, func(v int, err error) {
		late <- v
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, abandoned)
	assert.Zero(t, v)

	select {
	case got := <-late:
		assert.Equal(t, 7, got)
	case <-time.After(2 * time.Second):
		t.Fatal("abandon was never called")
	}
}

func TestErrClass(t *testing.T) {
	assert.Empty(t, ErrClass(nil))
	assert.NotEmpty(t, ErrClass(errors.New("x")))
}
