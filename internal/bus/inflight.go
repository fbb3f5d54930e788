package bus

import (
	"context"
	"sync"
)

// InFlight counts messages that were enqueued but not yet acknowledged or
// dead-lettered. It reaches zero only when the whole pipeline is quiet,
// because a stage acknowledges its deliveries after sending their children.
type InFlight struct {
	mu    sync.Mutex
	value int64
	idle  chan struct{} // closed while value == 0
}

// NewInFlight returns an idle counter.
func NewInFlight() *InFlight {
	t := &InFlight{idle: make(chan struct{})}
	close(t.idle)
	return t
}

// Inc records one more message in flight.
func (t *InFlight) Inc() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.value == 0 {
		t.idle = make(chan struct{})
	}
	t.value++
}

// Dec records a message settling.
func (t *InFlight) Dec() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.value == 0 {
		panic("bus: in-flight counter below zero")
	}
	t.value--
	if t.value == 0 {
		close(t.idle)
	}
}

// Load returns the current count.
func (t *InFlight) Load() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Idle returns a channel closed once the count is zero. A later Inc does
// not reopen a channel already returned.
func (t *InFlight) Idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

// Wait blocks until the count is zero or ctx is done.
func (t *InFlight) Wait(ctx context.Context) error {
	select {
	case <-t.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
