package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeReadyTracksLevel(t *testing.T) {
	p := NewPipe()
	assert.False(t, p.Ready())

	p.Raise(2)
	assert.True(t, p.Ready())

	p.Lower(1)
	assert.True(t, p.Ready())

	p.Lower(1)
	assert.False(t, p.Ready())
}

func TestPipeWaitUnblocksOnRaise(t *testing.T) {
	p := NewPipe()
	done := make(chan error, 1)

	go func() {
		done <- p.Wait(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	p.Raise(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Raise")
	}
}

func TestPipeWaitRespectsContext(t *testing.T) {
	p := NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
