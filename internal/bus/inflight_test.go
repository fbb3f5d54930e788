package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlight_IdleChannel(t *testing.T) {
	f := NewInFlight()

	select {
	case <-f.Idle():
	default:
		t.Fatal("new counter is idle")
	}

	f.Inc()
	f.Inc()
	idle := f.Idle()
	select {
	case <-idle:
		t.Fatal("counter is busy")
	default:
	}

	f.Dec()
	assert.Equal(t, int64(1), f.Load())
	f.Dec()

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle channel not closed at zero")
	}
}

func TestInFlight_WaitHonoursContext(t *testing.T) {
	f := NewInFlight()
	f.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	f.Dec()
	require.NoError(t, f.Wait(context.Background()))
}

func TestInFlight_DecBelowZeroPanics(t *testing.T) {
	assert.Panics(t, func() { NewInFlight().Dec() })
}
