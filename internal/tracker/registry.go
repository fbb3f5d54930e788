// Package tracker records which work keys each message type has observed
// and diffs them against the expected key space.
//
// Recording is a set insert, so redelivered and re-expanded messages are
// absorbed: the registry reflects "seen at least once" per key. The
// registry is the only state shared by every batch worker of a run and is
// guarded by a single mutex.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/keyspace"
)

// Observer receives per-insert counts.
type Observer interface {
	KeysObserved(messageType string, added, duplicates int)
}

// Registry maps message types to the set of keys observed for them.
// Sets only grow. Recording a present key is a no-op apart from the
// duplicate counter.
type Registry struct {
	mu       sync.Mutex
	observed map[string]keyspace.Set
	received map[string]int
	levels   map[string]int
	logger   *slog.Logger
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for the per-record count line.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		observed: make(map[string]keyspace.Set),
		received: make(map[string]int),
		levels:   make(map[string]int),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Declare binds messageType to the key depth it records. Missing and
// Unexpected then only consider expected keys of that depth, so one
// expected set spanning several levels can be diffed against each type.
func (r *Registry) Declare(messageType string, level int) {
	name := norm.NFC.String(messageType)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[name] = level
	if _, ok := r.observed[name]; !ok {
		r.observed[name] = make(keyspace.Set)
	}
}

// Record adds keys to the observed set of messageType. Keys already
// present are ignored. Record never fails.
func (r *Registry) Record(messageType string, keys []ir.WorkKey) {
	name := norm.NFC.String(messageType)

	r.mu.Lock()
	set, ok := r.observed[name]
	if !ok {
		set = make(keyspace.Set)
		r.observed[name] = set
	}
	added := 0
	for _, k := range keys {
		if set.Add(k) {
			added++
		}
	}
	r.received[name] += len(keys)
	var line string
	debug := r.logger.Enabled(context.Background(), slog.LevelDebug)
	if debug {
		line = r.countsLocked()
	}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.KeysObserved(name, added, len(keys)-added)
	}
	if debug {
		r.logger.Debug("consumed messages", "counts", line)
	}
}

// Missing returns the keys of expected that messageType has not observed.
// If messageType was declared with a level, only expected keys of that
// depth are considered. The diff runs under the same lock as Record, so it
// is a consistent cut.
func (r *Registry) Missing(expected keyspace.Set, messageType string) keyspace.Set {
	name := norm.NFC.String(messageType)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scopeLocked(expected, name).Difference(r.observed[name])
}

// Unexpected returns observed keys of messageType outside expected.
func (r *Registry) Unexpected(expected keyspace.Set, messageType string) keyspace.Set {
	name := norm.NFC.String(messageType)

	r.mu.Lock()
	defer r.mu.Unlock()
	observed, ok := r.observed[name]
	if !ok {
		return make(keyspace.Set)
	}
	return observed.Difference(r.scopeLocked(expected, name))
}

func (r *Registry) scopeLocked(expected keyspace.Set, name string) keyspace.Set {
	if level, ok := r.levels[name]; ok && level > 0 {
		return expected.AtDepth(level)
	}
	return expected
}

// Snapshot returns the number of distinct keys observed per type.
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.observed))
	for name, set := range r.observed {
		out[name] = set.Len()
	}
	return out
}

// Duplicates returns, per type, how many recorded keys were already present.
func (r *Registry) Duplicates() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.received))
	for name, n := range r.received {
		out[name] = n - r.observed[name].Len()
	}
	return out
}

// Observed returns a copy of the keys observed for messageType.
func (r *Registry) Observed(messageType string) keyspace.Set {
	name := norm.NFC.String(messageType)

	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.observed[name]; ok {
		return set.Clone()
	}
	return make(keyspace.Set)
}

// countsLocked renders "Type: n" pairs in name order for the debug line.
func (r *Registry) countsLocked() string {
	names := make([]string, 0, len(r.observed))
	for name := range r.observed {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %d", name, r.observed[name].Len())
	}
	return b.String()
}
