package engine

import (
	"github.com/roach88/fanout/internal/batch"
	"github.com/roach88/fanout/internal/bus"
)

// Probe is a JSON-friendly dump of a run's wiring and progress.
type Probe struct {
	RunID    string       `json:"run_id"`
	State    State        `json:"state"`
	Path     []State      `json:"path"`
	Topology string       `json:"topology"`
	Hash     string       `json:"topology_hash"`
	Stages   []StageProbe `json:"stages"`
	Bus      *bus.Probe   `json:"bus,omitempty"`
}

// StageProbe describes one stage.
type StageProbe struct {
	Type     string      `json:"type"`
	Level    int         `json:"level"`
	Fanout   int         `json:"fanout"`
	Next     string      `json:"next,omitempty"`
	Observed int         `json:"observed"`
	Batches  batch.Stats `json:"batches"`
}

// Probe returns the current wiring and counters. Before Run only the
// topology is described.
func (e *Engine) Probe() Probe {
	e.mu.Lock()
	runID, b, reg, stages := e.runID, e.bus, e.registry, e.stages
	e.mu.Unlock()

	p := Probe{
		RunID:    runID,
		State:    e.State(),
		Path:     e.Path(),
		Topology: e.topology.Name,
		Hash:     e.topologyHash,
		Stages:   make([]StageProbe, 0, len(e.topology.Stages)),
	}
	for i, spec := range e.topology.Stages {
		sp := StageProbe{
			Type:   spec.Type,
			Level:  i + 1,
			Fanout: spec.Fanout,
			Next:   e.topology.ChildType(i),
		}
		if reg != nil {
			sp.Observed = reg.Observed(spec.Type).Len()
		}
		if i < len(stages) {
			sp.Batches = stages[i].acc.Stats()
		}
		p.Stages = append(p.Stages, sp)
	}
	if b != nil {
		bp := b.Probe()
		p.Bus = &bp
	}
	return p
}
