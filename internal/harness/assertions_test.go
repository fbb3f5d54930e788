package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fanout/internal/ir"
)

func boolPtr(b bool) *bool { return &b }

func lossyReport() *ir.Report {
	return &ir.Report{
		RunID:    "r",
		Topology: "default",
		Counts:   []int{2, 3, 2},
		Drained:  true,
		Complete: false,
		Stages: []ir.StageReport{
			{Type: "InitProcess", Level: 1, Expected: 2, Observed: 2, Missing: []ir.WorkKey{}},
			{Type: "DoWork", Level: 2, Expected: 6, Observed: 5, Duplicates: 1, Missing: []ir.WorkKey{"1-2"}},
			{Type: "DoSomeExtraWork", Level: 3, Expected: 12, Observed: 10, Missing: []ir.WorkKey{"1-2-0", "1-2-1"}},
		},
	}
}

func TestAssertComplete(t *testing.T) {
	r := lossyReport()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertComplete, Expect: boolPtr(false)}))

	err := evaluate(r, Assertion{Type: AssertComplete})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "complete=true", ae.Expected)
	assert.Equal(t, "complete=false (drained=true, 3 missing)", ae.Actual)
}

func TestAssertMissingCount(t *testing.T) {
	r := lossyReport()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertMissingCount, Count: 3}))

	err := evaluate(r, Assertion{Type: AssertMissingCount, Count: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 0 missing keys")
	assert.Contains(t, err.Error(), "Actual: 3 missing keys")
}

func TestAssertMissingKeys(t *testing.T) {
	r := lossyReport()

	t.Run("order independent", func(t *testing.T) {
		a := Assertion{Type: AssertMissingKeys, Stage: "DoSomeExtraWork", Keys: []ir.WorkKey{"1-2-1", "1-2-0"}}
		assert.NoError(t, evaluate(r, a))
	})

	t.Run("none missing", func(t *testing.T) {
		assert.NoError(t, evaluate(r, Assertion{Type: AssertMissingKeys, Stage: "InitProcess"}))
	})

	t.Run("mismatch", func(t *testing.T) {
		a := Assertion{Type: AssertMissingKeys, Stage: "DoWork", Keys: []ir.WorkKey{"0-1"}}
		err := evaluate(r, a)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Expected: DoWork missing [0-1]")
		assert.Contains(t, err.Error(), "Actual: DoWork missing [1-2]")
	})

	t.Run("expected nothing", func(t *testing.T) {
		err := evaluate(r, Assertion{Type: AssertMissingKeys, Stage: "DoWork"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Expected: DoWork missing nothing")
	})

	t.Run("unknown stage", func(t *testing.T) {
		err := evaluate(r, Assertion{Type: AssertMissingKeys, Stage: "Nope"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such stage")
	})
}

func TestAssertObservedCount(t *testing.T) {
	r := lossyReport()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertObservedCount, Stage: "DoWork", Count: 5}))

	err := evaluate(r, Assertion{Type: AssertObservedCount, Stage: "DoWork", Count: 6})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DoWork observed 5 keys")
}

func TestAssertDuplicatesAtLeast(t *testing.T) {
	r := lossyReport()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertDuplicatesAtLeast, Stage: "DoWork", Count: 1}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertDuplicatesAtLeast, Stage: "InitProcess", Count: 0}))

	err := evaluate(r, Assertion{Type: AssertDuplicatesAtLeast, Stage: "DoWork", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DoWork absorbed 1 duplicates")
}

func TestAssertionError_IncludesStages(t *testing.T) {
	err := evaluate(lossyReport(), Assertion{Type: AssertMissingCount, Count: 1})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: missing_count")
	assert.Contains(t, msg, "DoWork: observed 5/6, missing 1, duplicates 1")
	assert.Contains(t, msg, "DoSomeExtraWork: observed 10/12, missing 2, duplicates 0")
}

func TestEvaluateAssertions(t *testing.T) {
	errs := EvaluateAssertions(lossyReport(), []Assertion{
		{Type: AssertComplete, Expect: boolPtr(false)},
		{Type: AssertMissingCount, Count: 2},
		{Type: AssertObservedCount, Stage: "InitProcess", Count: 2},
		{Type: "bogus"},
	})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertions[1]:")
	assert.Contains(t, errs[1], `assertions[3]: unknown assertion type "bogus"`)
}
