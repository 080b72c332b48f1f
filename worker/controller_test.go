package worker

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerTogglePause(t *testing.T) {
	c := NewController(10*time.Millisecond, time.Second)

	assert.False(t, c.Paused())
	assert.True(t, c.TogglePause())
	assert.True(t, c.Paused())
	assert.False(t, c.TogglePause())
	assert.False(t, c.Paused())
}

func TestControllerInterruptWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		gap        time.Duration
		wantPaused bool
		wantStop   bool
	}{
		{name: "slow second interrupt resumes", gap: 3 * time.Second, wantPaused: false},
		{name: "quick second interrupt stops", gap: 500 * time.Millisecond, wantPaused: true, wantStop: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(10*time.Millisecond, 1500*time.Millisecond)

			c.Interrupt(base)
			assert.True(t, c.Paused())
			assert.False(t, c.StopRequested())

			c.Interrupt(base.Add(tt.gap))
			assert.Equal(t, tt.wantPaused, c.Paused())
			assert.Equal(t, tt.wantStop, c.StopRequested())
		})
	}
}

func TestCheckpointBlocksWhilePaused(t *testing.T) {
	c := NewController(5*time.Millisecond, time.Second)
	c.Pause()

	released := make(chan error, 1)
	go func() { released <- c.Checkpoint(context.Background()) }()

	select {
	case <-released:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not release after resume")
	}
}

func TestCheckpointStopWhilePaused(t *testing.T) {
	c := NewController(time.Hour, time.Second)
	c.Pause()

	released := make(chan error, 1)
	go func() { released <- c.Checkpoint(context.Background()) }()

	c.RequestStop()
	c.RequestStop()

	select {
	case err := <-released:
		assert.ErrorIs(t, err, ErrStopped)
		assert.True(t, IsStopped(err))
	case <-time.After(time.Second):
		t.Fatal("checkpoint ignored stop request")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestCheckpointHonoursContext(t *testing.T) {
	c := NewController(time.Hour, time.Second)
	c.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Checkpoint(ctx), context.Canceled)
}

func TestHandleSignals(t *testing.T) {
	c := NewController(10*time.Millisecond, 0)
	ch := make(chan os.Signal, 3)
	ch <- syscall.SIGINT
	ch <- syscall.SIGTERM
	close(ch)

	c.HandleSignals(context.Background(), ch)

	require.True(t, c.StopRequested())
	assert.True(t, c.Paused())
}
