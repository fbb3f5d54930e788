package engine

import (
	"log/slog"
	"slices"
	"sync"
)

// State is a lifecycle phase of a run.
type State string

const (
	StateIdle     State = "idle"
	StateSeeding  State = "seeding"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateVerified State = "verified"
	StateStopped  State = "stopped"
)

// transitions lists the allowed edges. Every path to Verified passes
// through Draining.
var transitions = map[State][]State{
	StateIdle:     {StateSeeding, StateStopped},
	StateSeeding:  {StateRunning, StateDraining},
	StateRunning:  {StateDraining},
	StateDraining: {StateVerified, StateStopped},
	StateVerified: {StateStopped},
}

// CanTransition reports whether the lifecycle allows moving from one state
// to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// lifecycle holds the current state and the path taken to reach it.
type lifecycle struct {
	mu      sync.Mutex
	current State
	history []State
	logger  *slog.Logger
}

func newLifecycle(logger *slog.Logger) *lifecycle {
	return &lifecycle{
		current: StateIdle,
		history: []State{StateIdle},
		logger:  logger,
	}
}

func (l *lifecycle) state() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *lifecycle) path() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.history)
}

// transition moves to next, or returns an INVALID_TRANSITION error and
// leaves the state unchanged.
func (l *lifecycle) transition(runID string, next State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !CanTransition(l.current, next) {
		return NewTransitionError(runID, l.current, next)
	}
	l.logger.Debug("state changed", "run_id", runID, "from", l.current, "to", next)
	l.current = next
	l.history = append(l.history, next)
	return nil
}
