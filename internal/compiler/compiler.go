// Package compiler turns CUE topology files into ir.Topology.
//
// A topology file declares a single top-level `pipeline` struct:
//
//	pipeline: {
//		name:      "demo"
//		processes: 10
//		stages: [
//			{type: "InitProcess", fanout: 100},
//			{type: "DoWork", fanout: 1, batch: {message_limit: 50}},
//			{type: "DoSomeExtraWork"},
//		]
//		retry: {mode: "exponential", limit: 3}
//	}
//
// The file is unified with an embedded schema that supplies defaults for
// every omitted field, so the smallest valid file only lists stage types.
package compiler

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fanout/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE string

type pipelineDoc struct {
	Name      string     `json:"name"`
	Processes int        `json:"processes"`
	Stages    []stageDoc `json:"stages"`
	Retry     retryDoc   `json:"retry"`
}

type stageDoc struct {
	Type   string   `json:"type"`
	Fanout int      `json:"fanout"`
	Batch  batchDoc `json:"batch"`
	Delay  string   `json:"delay"`
	Outbox bool     `json:"outbox"`
}

type batchDoc struct {
	MessageLimit     int    `json:"message_limit"`
	TimeLimit        string `json:"time_limit"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
	PrefetchCount    int    `json:"prefetch_count"`
}

type retryDoc struct {
	Mode        string `json:"mode"`
	Limit       int    `json:"limit"`
	Interval    string `json:"interval"`
	MaxInterval string `json:"max_interval"`
}

// Compile compiles CUE source into a validated topology. filename is used
// in error positions.
func Compile(src []byte, filename string) (ir.Topology, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return ir.Topology{}, fmt.Errorf("compile schema: %w", err)
	}

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return ir.Topology{}, formatCUEError(err)
	}
	if err := checkTopLevel(user); err != nil {
		return ir.Topology{}, err
	}

	v := schema.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return ir.Topology{}, formatCUEError(err)
	}

	pv := v.LookupPath(cue.ParsePath("pipeline"))
	var doc pipelineDoc
	if err := pv.Decode(&doc); err != nil {
		return ir.Topology{}, formatCUEError(err)
	}

	topo, err := doc.topology()
	if err != nil {
		return ir.Topology{}, err
	}
	if err := topo.Validate(); err != nil {
		return ir.Topology{}, &CompileError{
			Field:   "pipeline",
			Message: err.Error(),
			Pos:     pv.Pos(),
		}
	}
	return topo, nil
}

// LoadFile reads and compiles a topology file.
func LoadFile(path string) (ir.Topology, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return ir.Topology{}, fmt.Errorf("read topology: %w", err)
	}
	return Compile(src, path)
}

// Default returns the built-in InitProcess -> DoWork -> DoSomeExtraWork
// topology.
func Default() ir.Topology {
	topo, err := Compile([]byte(defaultCUE), "default.cue")
	if err != nil {
		panic(fmt.Sprintf("compiler: built-in topology: %v", err))
	}
	return topo
}

// checkTopLevel rejects top-level fields other than pipeline, so a typo
// does not silently compile to the defaults.
func checkTopLevel(v cue.Value) error {
	it, err := v.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	found := false
	for it.Next() {
		label := it.Selector().String()
		if label != "pipeline" {
			return &CompileError{
				Field:   label,
				Message: "unknown top-level field (expected pipeline)",
				Pos:     it.Value().Pos(),
			}
		}
		found = true
	}
	if !found {
		return &CompileError{Field: "pipeline", Message: "pipeline is required"}
	}
	return nil
}

func (d pipelineDoc) topology() (ir.Topology, error) {
	retry, err := d.Retry.spec()
	if err != nil {
		return ir.Topology{}, err
	}
	topo := ir.Topology{
		Name:         d.Name,
		ProcessCount: d.Processes,
		Stages:       make([]ir.StageSpec, 0, len(d.Stages)),
		Retry:        retry,
	}
	for i, s := range d.Stages {
		spec, err := s.spec(fmt.Sprintf("stages.%d", i))
		if err != nil {
			return ir.Topology{}, err
		}
		topo.Stages = append(topo.Stages, spec)
	}
	return topo, nil
}

func (s stageDoc) spec(field string) (ir.StageSpec, error) {
	timeLimit, err := parseDuration(field+".batch.time_limit", s.Batch.TimeLimit)
	if err != nil {
		return ir.StageSpec{}, err
	}
	delay, err := parseDuration(field+".delay", s.Delay)
	if err != nil {
		return ir.StageSpec{}, err
	}
	return ir.StageSpec{
		Type:   norm.NFC.String(s.Type),
		Fanout: s.Fanout,
		Batch: ir.BatchOptions{
			MessageLimit:     s.Batch.MessageLimit,
			TimeLimit:        timeLimit,
			ConcurrencyLimit: s.Batch.ConcurrencyLimit,
			PrefetchCount:    s.Batch.PrefetchCount,
		},
		Delay:  delay,
		Outbox: s.Outbox,
	}, nil
}

func (r retryDoc) spec() (ir.RetrySpec, error) {
	interval, err := parseDuration("retry.interval", r.Interval)
	if err != nil {
		return ir.RetrySpec{}, err
	}
	maxInterval, err := parseDuration("retry.max_interval", r.MaxInterval)
	if err != nil {
		return ir.RetrySpec{}, err
	}
	return ir.RetrySpec{
		Mode:        ir.RetryMode(r.Mode),
		Limit:       r.Limit,
		Interval:    interval,
		MaxInterval: maxInterval,
	}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: field, Message: err.Error()}
	}
	return d, nil
}
