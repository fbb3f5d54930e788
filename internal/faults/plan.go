// Package faults injects deterministic delivery faults into a pipeline run:
// lost messages, duplicated deliveries and expansions that fail on their
// first attempt.
package faults

import (
	"math/rand/v2"
	"sync"

	"github.com/roach88/fanout/internal/ir"
)

// Action is what the bus does with a sent message.
type Action int

const (
	Deliver Action = iota
	Duplicate
	Drop
)

func (a Action) String() string {
	switch a {
	case Deliver:
		return "deliver"
	case Duplicate:
		return "duplicate"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// Plan describes the faults of one run. Key lists are indexed by message
// type. Rates are probabilities in [0, 1] drawn from a PCG seeded with Seed.
type Plan struct {
	Seed          uint64                  `yaml:"seed" json:"seed"`
	DuplicateRate float64                 `yaml:"duplicate_rate" json:"duplicate_rate"`
	DropRate      float64                 `yaml:"drop_rate" json:"drop_rate"`
	DropKeys      map[string][]ir.WorkKey `yaml:"drop_keys" json:"drop_keys,omitempty"`
	DuplicateKeys map[string][]ir.WorkKey `yaml:"duplicate_keys" json:"duplicate_keys,omitempty"`
	FailKeys      map[string][]ir.WorkKey `yaml:"fail_keys" json:"fail_keys,omitempty"`
}

// Empty reports whether the plan injects nothing.
func (p Plan) Empty() bool {
	return p.DuplicateRate == 0 && p.DropRate == 0 &&
		len(p.DropKeys) == 0 && len(p.DuplicateKeys) == 0 && len(p.FailKeys) == 0
}

// Injector applies a Plan. It is safe for concurrent use. A nil *Injector
// injects nothing.
type Injector struct {
	plan      Plan
	drop      map[string]map[ir.WorkKey]bool
	duplicate map[string]map[ir.WorkKey]bool
	fail      map[string]map[ir.WorkKey]bool

	mu  sync.Mutex
	rng *rand.Rand
	// Explicit drops fire once per key so a resent copy can still arrive.
	dropped map[string]map[ir.WorkKey]bool
}

// New builds an injector for plan.
func New(plan Plan) *Injector {
	return &Injector{
		plan:      plan,
		drop:      index(plan.DropKeys),
		duplicate: index(plan.DuplicateKeys),
		fail:      index(plan.FailKeys),
		rng:       rand.New(rand.NewPCG(plan.Seed, plan.Seed^0x9e3779b97f4a7c15)),
		dropped:   make(map[string]map[ir.WorkKey]bool),
	}
}

func index(keys map[string][]ir.WorkKey) map[string]map[ir.WorkKey]bool {
	out := make(map[string]map[ir.WorkKey]bool, len(keys))
	for messageType, ks := range keys {
		set := make(map[ir.WorkKey]bool, len(ks))
		for _, k := range ks {
			set[k] = true
		}
		out[messageType] = set
	}
	return out
}

// Plan returns the plan the injector was built from.
func (in *Injector) Plan() Plan {
	if in == nil {
		return Plan{}
	}
	return in.plan
}

// OnSend decides the fate of one sent message.
func (in *Injector) OnSend(messageType string, key ir.WorkKey) Action {
	if in == nil {
		return Deliver
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.drop[messageType][key] && !in.dropped[messageType][key] {
		if in.dropped[messageType] == nil {
			in.dropped[messageType] = make(map[ir.WorkKey]bool)
		}
		in.dropped[messageType][key] = true
		return Drop
	}
	if in.duplicate[messageType][key] {
		return Duplicate
	}
	if in.plan.DropRate > 0 && in.rng.Float64() < in.plan.DropRate {
		return Drop
	}
	if in.plan.DuplicateRate > 0 && in.rng.Float64() < in.plan.DuplicateRate {
		return Duplicate
	}
	return Deliver
}

// ShouldFail reports whether expanding key fails on this attempt. Listed
// keys fail on their first attempt only, so a retry always recovers.
func (in *Injector) ShouldFail(messageType string, key ir.WorkKey, attempt int) bool {
	if in == nil {
		return false
	}
	return attempt == 1 && in.fail[messageType][key]
}
