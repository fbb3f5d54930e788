package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fanout/internal/compiler"
	"github.com/roach88/fanout/internal/faults"
	"github.com/roach88/fanout/internal/ir"
)

// Scenario describes one pipeline run and what its report must show.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Topology is the path of a CUE topology file, relative to the scenario
	// file. Empty selects the built-in pipeline.
	Topology string `yaml:"topology,omitempty"`

	// RunID fixes the run ID. Defaults to "scenario-<name>".
	RunID string `yaml:"run_id,omitempty"`

	// Processes, Work and Extra override the process count and the fanout
	// of the first two stages.
	Processes *int `yaml:"processes,omitempty"`
	Work      *int `yaml:"work,omitempty"`
	Extra     *int `yaml:"extra,omitempty"`

	// Batch overrides the batch options of every stage.
	Batch *BatchOverride `yaml:"batch,omitempty"`

	// Retry overrides the redelivery policy.
	Retry *RetryOverride `yaml:"retry,omitempty"`

	// Window bounds the running phase. Empty runs until idle.
	Window string `yaml:"window,omitempty"`

	// Faults injected into the run.
	Faults faults.Plan `yaml:"faults,omitempty"`

	// Assertions validate the report.
	Assertions []Assertion `yaml:"assertions"`
}

// BatchOverride replaces the non-zero batch options of every stage.
type BatchOverride struct {
	MessageLimit     int    `yaml:"message_limit,omitempty"`
	TimeLimit        string `yaml:"time_limit,omitempty"`
	ConcurrencyLimit int    `yaml:"concurrency_limit,omitempty"`
	PrefetchCount    *int   `yaml:"prefetch_count,omitempty"`
}

// RetryOverride replaces the set fields of the retry policy.
type RetryOverride struct {
	Mode        string `yaml:"mode,omitempty"`
	Limit       *int   `yaml:"limit,omitempty"`
	Interval    string `yaml:"interval,omitempty"`
	MaxInterval string `yaml:"max_interval,omitempty"`
}

// Assertion validates one property of the report.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Stage is the message type (missing_keys, observed_count,
	// duplicates_at_least).
	Stage string `yaml:"stage,omitempty"`

	// Count is the expected number (missing_count, observed_count) or the
	// lower bound (duplicates_at_least).
	Count int `yaml:"count,omitempty"`

	// Keys are the expected missing keys (missing_keys).
	Keys []ir.WorkKey `yaml:"keys,omitempty"`

	// Expect is the expected completeness (complete). Defaults to true.
	Expect *bool `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertComplete          = "complete"
	AssertMissingCount      = "missing_count"
	AssertMissingKeys       = "missing_keys"
	AssertObservedCount     = "observed_count"
	AssertDuplicatesAtLeast = "duplicates_at_least"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected and the topology path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Topology != "" && !filepath.IsAbs(scenario.Topology) {
		scenario.Topology = filepath.Join(filepath.Dir(path), scenario.Topology)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Topology != "" {
		if _, err := os.Stat(s.Topology); os.IsNotExist(err) {
			return fmt.Errorf("topology file not found: %s", s.Topology)
		}
	}

	for name, n := range map[string]*int{"processes": s.Processes, "work": s.Work, "extra": s.Extra} {
		if n != nil && *n < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if _, err := parseOptionalDuration("window", s.Window); err != nil {
		return err
	}
	if s.Batch != nil {
		if _, err := parseOptionalDuration("batch.time_limit", s.Batch.TimeLimit); err != nil {
			return err
		}
	}
	if s.Retry != nil {
		if _, err := parseOptionalDuration("retry.interval", s.Retry.Interval); err != nil {
			return err
		}
		if _, err := parseOptionalDuration("retry.max_interval", s.Retry.MaxInterval); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertComplete:
	case AssertMissingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for missing_count", index)
		}
	case AssertMissingKeys:
		if a.Stage == "" {
			return fmt.Errorf("assertions[%d]: stage is required for missing_keys", index)
		}
	case AssertObservedCount, AssertDuplicatesAtLeast:
		if a.Stage == "" {
			return fmt.Errorf("assertions[%d]: stage is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// runID returns the fixed run ID of the scenario.
func (s *Scenario) runID() string {
	if s.RunID != "" {
		return s.RunID
	}
	return "scenario-" + s.Name
}

// window returns the observation window, zero when unset.
func (s *Scenario) window() time.Duration {
	d, _ := parseOptionalDuration("window", s.Window)
	return d
}

// topology compiles the scenario's topology and applies its overrides.
func (s *Scenario) topology() (ir.Topology, error) {
	topo := compiler.Default()
	if s.Topology != "" {
		var err error
		if topo, err = compiler.LoadFile(s.Topology); err != nil {
			return ir.Topology{}, err
		}
	}

	topo = topo.WithCounts(orNegative(s.Processes), orNegative(s.Work), orNegative(s.Extra))

	if b := s.Batch; b != nil {
		timeLimit, err := parseOptionalDuration("batch.time_limit", b.TimeLimit)
		if err != nil {
			return ir.Topology{}, err
		}
		for i := range topo.Stages {
			opts := &topo.Stages[i].Batch
			if b.MessageLimit > 0 {
				opts.MessageLimit = b.MessageLimit
			}
			if timeLimit > 0 {
				opts.TimeLimit = timeLimit
			}
			if b.ConcurrencyLimit > 0 {
				opts.ConcurrencyLimit = b.ConcurrencyLimit
			}
			if b.PrefetchCount != nil {
				opts.PrefetchCount = *b.PrefetchCount
			}
		}
	}

	if r := s.Retry; r != nil {
		if r.Mode != "" {
			topo.Retry.Mode = ir.RetryMode(r.Mode)
		}
		if r.Limit != nil {
			topo.Retry.Limit = *r.Limit
		}
		interval, err := parseOptionalDuration("retry.interval", r.Interval)
		if err != nil {
			return ir.Topology{}, err
		}
		if interval > 0 {
			topo.Retry.Interval = interval
		}
		maxInterval, err := parseOptionalDuration("retry.max_interval", r.MaxInterval)
		if err != nil {
			return ir.Topology{}, err
		}
		if maxInterval > 0 {
			topo.Retry.MaxInterval = maxInterval
		}
	}

	if err := topo.Validate(); err != nil {
		return ir.Topology{}, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	return topo, nil
}

func orNegative(n *int) int {
	if n == nil {
		return -1
	}
	return *n
}

func parseOptionalDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}
