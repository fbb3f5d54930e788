package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fanout/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string     // Assertion type for categorization
	Expected string     // Human-readable expected outcome
	Actual   string     // Human-readable actual outcome
	Report   *ir.Report // Report for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if e.Report != nil {
		fmt.Fprintf(&buf, "\nStages:\n")
		for _, s := range e.Report.Stages {
			fmt.Fprintf(&buf, "  %s: observed %d/%d, missing %d, duplicates %d\n",
				s.Type, s.Observed, s.Expected, len(s.Missing), s.Duplicates)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against report and returns one
// message per failure.
func EvaluateAssertions(report *ir.Report, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(report, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(report *ir.Report, a Assertion) error {
	switch a.Type {
	case AssertComplete:
		return assertComplete(report, a)
	case AssertMissingCount:
		return assertMissingCount(report, a)
	case AssertMissingKeys:
		return assertMissingKeys(report, a)
	case AssertObservedCount:
		return assertObservedCount(report, a)
	case AssertDuplicatesAtLeast:
		return assertDuplicatesAtLeast(report, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertComplete(report *ir.Report, a Assertion) error {
	want := a.Expect == nil || *a.Expect
	if report.Complete == want {
		return nil
	}
	return &AssertionError{
		Type:     AssertComplete,
		Expected: fmt.Sprintf("complete=%t", want),
		Actual:   fmt.Sprintf("complete=%t (drained=%t, %d missing)", report.Complete, report.Drained, report.MissingCount()),
		Report:   report,
	}
}

func assertMissingCount(report *ir.Report, a Assertion) error {
	if n := report.MissingCount(); n != a.Count {
		return &AssertionError{
			Type:     AssertMissingCount,
			Expected: fmt.Sprintf("%d missing keys", a.Count),
			Actual:   fmt.Sprintf("%d missing keys", n),
			Report:   report,
		}
	}
	return nil
}

func assertMissingKeys(report *ir.Report, a Assertion) error {
	stage, err := stageOf(report, a)
	if err != nil {
		return err
	}

	want := slices.Clone(a.Keys)
	slices.SortFunc(want, ir.CompareKeys)
	got := slices.Clone(stage.Missing)
	slices.SortFunc(got, ir.CompareKeys)

	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertMissingKeys,
		Expected: fmt.Sprintf("%s missing %s", a.Stage, formatKeys(want)),
		Actual:   fmt.Sprintf("%s missing %s", a.Stage, formatKeys(got)),
		Report:   report,
	}
}

func assertObservedCount(report *ir.Report, a Assertion) error {
	stage, err := stageOf(report, a)
	if err != nil {
		return err
	}
	if stage.Observed != a.Count {
		return &AssertionError{
			Type:     AssertObservedCount,
			Expected: fmt.Sprintf("%s observed %d keys", a.Stage, a.Count),
			Actual:   fmt.Sprintf("%s observed %d keys", a.Stage, stage.Observed),
			Report:   report,
		}
	}
	return nil
}

func assertDuplicatesAtLeast(report *ir.Report, a Assertion) error {
	stage, err := stageOf(report, a)
	if err != nil {
		return err
	}
	if stage.Duplicates < a.Count {
		return &AssertionError{
			Type:     AssertDuplicatesAtLeast,
			Expected: fmt.Sprintf("%s absorbed at least %d duplicates", a.Stage, a.Count),
			Actual:   fmt.Sprintf("%s absorbed %d duplicates", a.Stage, stage.Duplicates),
			Report:   report,
		}
	}
	return nil
}

func stageOf(report *ir.Report, a Assertion) (ir.StageReport, error) {
	stage, ok := report.Stage(a.Stage)
	if !ok {
		return ir.StageReport{}, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("stage %s in report", a.Stage),
			Actual:   "no such stage",
			Report:   report,
		}
	}
	return stage, nil
}

func formatKeys(keys []ir.WorkKey) string {
	if len(keys) == 0 {
		return "nothing"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
