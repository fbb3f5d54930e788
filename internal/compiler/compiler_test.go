package compiler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fanout/internal/ir"
)

func TestCompileDefaultsApplied(t *testing.T) {
	topo, err := Compile([]byte(`
		pipeline: stages: [
			{type: "A", fanout: 3},
			{type: "B"},
		]
	`), "t.cue")
	require.NoError(t, err)

	assert.Equal(t, "pipeline", topo.Name)
	assert.Equal(t, 1, topo.ProcessCount)
	require.Len(t, topo.Stages, 2)
	assert.Equal(t, ir.DefaultBatchOptions(), topo.Stages[0].Batch)
	assert.Equal(t, 3, topo.Stages[0].Fanout)
	assert.Zero(t, topo.Stages[1].Fanout)
	assert.Zero(t, topo.Stages[1].Delay)
	assert.False(t, topo.Stages[1].Outbox)
	assert.Equal(t, ir.RetrySpec{
		Mode:        ir.RetryImmediate,
		Limit:       1,
		Interval:    100 * time.Millisecond,
		MaxInterval: 5 * time.Second,
	}, topo.Retry)
}

func TestCompileOverrides(t *testing.T) {
	topo, err := Compile([]byte(`
		pipeline: {
			name:      "tuned"
			processes: 4
			stages: [
				{
					type:   "A"
					fanout: 2
					batch: {message_limit: 5, time_limit: "10ms", concurrency_limit: 2, prefetch_count: 0}
					delay:  "1.5ms"
					outbox: true
				},
				{type: "B"},
			]
			retry: {mode: "exponential", limit: 3, interval: "5ms", max_interval: "1s"}
		}
	`), "t.cue")
	require.NoError(t, err)

	assert.Equal(t, "tuned", topo.Name)
	assert.Equal(t, 4, topo.ProcessCount)
	assert.Equal(t, ir.BatchOptions{
		MessageLimit:     5,
		TimeLimit:        10 * time.Millisecond,
		ConcurrencyLimit: 2,
	}, topo.Stages[0].Batch)
	assert.Equal(t, 1500*time.Microsecond, topo.Stages[0].Delay)
	assert.True(t, topo.Stages[0].Outbox)
	assert.Equal(t, ir.RetryExponential, topo.Retry.Mode)
	assert.Equal(t, 3, topo.Retry.Limit)
	assert.Equal(t, time.Second, topo.Retry.MaxInterval)
	assert.Equal(t, []int{4, 2}, topo.Counts())
}

func TestCompileNormalizesTypes(t *testing.T) {
	// "e" followed by a combining acute accent.
	topo, err := Compile([]byte("pipeline: stages: [{type: \"Cafe\u0301\"}]"), "t.cue")
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", topo.Stages[0].Type)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		field   string
		message string
	}{
		{
			name:  "syntax",
			src:   `pipeline: {`,
			field: "",
		},
		{
			name:    "unknown top-level field",
			src:     `pipline: stages: [{type: "A"}]`,
			field:   "pipline",
			message: "unknown top-level field",
		},
		{
			name:    "missing pipeline",
			src:     ``,
			field:   "pipeline",
			message: "required",
		},
		{
			name:    "unknown pipeline field",
			src:     `pipeline: {stages: [{type: "A"}], bogus: 1}`,
			message: "bogus",
		},
		{
			name:    "malformed duration",
			src:     `pipeline: stages: [{type: "A", batch: time_limit: "1 sec"}]`,
			message: "time_limit",
		},
		{
			name:    "duration overflow",
			src:     `pipeline: stages: [{type: "A", delay: "99999999999999999999h"}]`,
			field:   "stages.0.delay",
			message: "invalid duration",
		},
		{
			name:    "negative fanout",
			src:     `pipeline: stages: [{type: "A", fanout: -1}, {type: "B"}]`,
			message: "fanout",
		},
		{
			name:    "terminal fanout",
			src:     `pipeline: stages: [{type: "A", fanout: 2}, {type: "B", fanout: 3}]`,
			field:   "pipeline",
			message: "terminal stage",
		},
		{
			name:    "duplicate type",
			src:     `pipeline: stages: [{type: "A", fanout: 2}, {type: "A"}]`,
			field:   "pipeline",
			message: "duplicate type",
		},
		{
			name:    "unknown retry mode",
			src:     `pipeline: {stages: [{type: "A"}], retry: mode: "later"}`,
			message: "mode",
		},
		{
			name:    "prefetch below message limit",
			src:     `pipeline: stages: [{type: "A", batch: {message_limit: 50, prefetch_count: 10}}]`,
			field:   "pipeline",
			message: "prefetch_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]byte(tt.src), "t.cue")
			require.Error(t, err)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			if tt.field != "" {
				assert.Equal(t, tt.field, ce.Field)
			}
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestCompileErrorPosition(t *testing.T) {
	_, err := Compile([]byte("\npipline: {\n\tstages: [{type: \"A\"}]\n}\n"), "pos.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pos.cue:2:")
}

func TestCompileErrorWithoutPosition(t *testing.T) {
	err := &CompileError{Field: "retry.interval", Message: "bad"}
	assert.Equal(t, "retry.interval: bad", err.Error())
}

func TestLoadFile(t *testing.T) {
	topo, err := LoadFile(filepath.Join("testdata", "minimal.cue"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, topo.Counts())
	assert.Equal(t, "Child", topo.ChildType(0))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.cue"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefault(t *testing.T) {
	topo := Default()

	assert.Equal(t, "default", topo.Name)
	assert.Equal(t, []int{10, 100, 1}, topo.Counts())
	require.Len(t, topo.Stages, 3)
	assert.Equal(t, "InitProcess", topo.Stages[0].Type)
	assert.Equal(t, "DoWork", topo.Stages[1].Type)
	assert.Equal(t, "DoSomeExtraWork", topo.Stages[2].Type)
	assert.NoError(t, topo.Validate())
	for _, s := range topo.Stages {
		assert.Equal(t, ir.DefaultBatchOptions(), s.Batch)
	}
}
