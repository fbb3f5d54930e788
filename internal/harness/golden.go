package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fanout/internal/ir"
)

// ReportSnapshot is the scheduling-independent part of a report.
// Timestamps, delivery counters and duplicate counts vary between runs and
// are left out.
type ReportSnapshot struct {
	Scenario     string
	RunID        string
	Topology     string
	Counts       []int
	Drained      bool
	Complete     bool
	MissingCount int
	Stages       []ir.StageReport
}

// NewReportSnapshot builds the snapshot of report for scenarioName.
func NewReportSnapshot(scenarioName string, report *ir.Report) ReportSnapshot {
	return ReportSnapshot{
		Scenario:     scenarioName,
		RunID:        report.RunID,
		Topology:     report.Topology,
		Counts:       report.Counts,
		Drained:      report.Drained,
		Complete:     report.Complete,
		MissingCount: report.MissingCount(),
		Stages:       report.Stages,
	}
}

// toCanonicalMap converts the snapshot to a map[string]any for canonical
// JSON serialization, which only handles IR types and primitives.
func (s ReportSnapshot) toCanonicalMap() map[string]any {
	counts := make([]any, len(s.Counts))
	for i, n := range s.Counts {
		counts[i] = n
	}

	stages := make([]any, len(s.Stages))
	for i, st := range s.Stages {
		missing := make([]any, len(st.Missing))
		for j, k := range st.Missing {
			missing[j] = k
		}
		stages[i] = map[string]any{
			"type":     st.Type,
			"level":    st.Level,
			"expected": st.Expected,
			"observed": st.Observed,
			"missing":  missing,
		}
	}

	return map[string]any{
		"scenario":      s.Scenario,
		"run_id":        s.RunID,
		"topology":      s.Topology,
		"counts":        counts,
		"drained":       s.Drained,
		"complete":      s.Complete,
		"missing_count": s.MissingCount,
		"stages":        stages,
	}
}

// MarshalCanonical returns the snapshot as RFC 8785 canonical JSON.
func (s ReportSnapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its report snapshot
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check the assertions.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the snapshot of an existing result against a golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewReportSnapshot(scenarioName, result.Report).MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
