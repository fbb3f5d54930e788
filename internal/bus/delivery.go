package bus

import (
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/fanout/internal/ir"
)

// envelope is one enqueued copy of a message.
type envelope struct {
	item    ir.WorkItem
	attempt int
	backoff backoff.BackOff
}

type settlement int

const (
	pending settlement = iota
	acked
	nacked
)

// Delivery is one attempt at handing a message to a consumer. It must be
// settled exactly once with Ack or Nack; later calls are ignored.
type Delivery struct {
	Item    ir.WorkItem
	Attempt int

	bus     *Bus
	env     *envelope
	settled SettleFunc

	mu    sync.Mutex
	state settlement
	cause error
}

// SettleFunc observes the settlement of a detached delivery. cause is nil
// when the delivery was acked.
type SettleFunc func(d *Delivery, acked bool, cause error)

// NewDelivery builds a delivery detached from any bus. Its settlement is
// reported to settled, which may be nil. Used to drive consumers directly.
func NewDelivery(item ir.WorkItem, attempt int, settled SettleFunc) *Delivery {
	return &Delivery{Item: item, Attempt: attempt, settled: settled}
}

// Redelivered reports whether an earlier attempt was nacked.
func (d *Delivery) Redelivered() bool {
	return d.Attempt > 1
}

// Ack marks the message as processed.
func (d *Delivery) Ack() {
	if !d.settle(acked, nil) {
		return
	}
	switch {
	case d.bus != nil:
		d.bus.inflight.Dec()
	case d.settled != nil:
		d.settled(d, true, nil)
	}
}

// Nack hands the message back for redelivery according to the retry
// policy, or dead-letters it once the policy is exhausted.
func (d *Delivery) Nack(cause error) {
	if !d.settle(nacked, cause) {
		return
	}
	switch {
	case d.bus != nil:
		d.bus.nack(d.env, cause)
	case d.settled != nil:
		d.settled(d, false, cause)
	}
}

func (d *Delivery) settle(s settlement, cause error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != pending {
		return false
	}
	d.state = s
	d.cause = cause
	return true
}
