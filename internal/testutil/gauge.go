package testutil

import "sync"

// PeakGauge counts concurrent holders and remembers the highest count seen.
// Batch handlers call Enter on entry and Exit on return so tests can assert
// a concurrency bound.
type PeakGauge struct {
	mu      sync.Mutex
	current int
	peak    int
	total   int
}

// Enter records one more concurrent holder.
func (g *PeakGauge) Enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	g.total++
	if g.current > g.peak {
		g.peak = g.current
	}
}

// Exit records a holder leaving.
func (g *PeakGauge) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

// Peak returns the highest concurrent count observed.
func (g *PeakGauge) Peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// Total returns how many times Enter was called.
func (g *PeakGauge) Total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}
