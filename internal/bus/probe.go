package bus

import (
	"github.com/roach88/fanout/internal/ir"
)

// Probe is a JSON-friendly dump of the bus topology and counters.
type Probe struct {
	Endpoints []EndpointProbe  `json:"endpoints"`
	Retry     RetryProbe       `json:"retry"`
	InFlight  int64            `json:"in_flight"`
	Stats     ir.DeliveryStats `json:"stats"`
	Faults    bool             `json:"faults"`

	DeadLetters []DeadLetter `json:"dead_letters,omitempty"`
}

// EndpointProbe describes one endpoint.
type EndpointProbe struct {
	Name     string `json:"name"`
	Consumer bool   `json:"consumer"`
	Queued   int    `json:"queued"`
}

// RetryProbe describes the retry policy.
type RetryProbe struct {
	Mode  ir.RetryMode `json:"mode"`
	Limit int          `json:"limit"`
}

// Probe returns the current topology and counters.
func (b *Bus) Probe() Probe {
	b.mu.RLock()
	endpoints := make([]EndpointProbe, 0, len(b.order))
	for _, name := range b.order {
		ep := b.endpoints[name]
		endpoints = append(endpoints, EndpointProbe{
			Name:     name,
			Consumer: ep.consumer != nil,
			Queued:   ep.queue.Len(),
		})
	}
	b.mu.RUnlock()

	return Probe{
		Endpoints: endpoints,
		Retry:     RetryProbe{Mode: b.retry.Mode, Limit: b.retry.Limit},
		InFlight:  b.inflight.Load(),
		Stats:     b.Stats(),
		Faults:    !b.faults.Plan().Empty(),

		DeadLetters: b.DeadLetters(),
	}
}
