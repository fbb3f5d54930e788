package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fanout/internal/ir"
)

func attempts(p RetryPolicy) []time.Duration {
	env := &envelope{}
	var out []time.Duration
	for {
		d, ok := p.next(env)
		if !ok {
			return out
		}
		out = append(out, d)
		if len(out) > 100 {
			return out
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		spec    ir.RetrySpec
		retries int
	}{
		{"none ignores limit", ir.RetrySpec{Mode: ir.RetryNone, Limit: 3}, 0},
		{"immediate", ir.RetrySpec{Mode: ir.RetryImmediate, Limit: 3}, 3},
		{"zero limit", ir.RetrySpec{Mode: ir.RetryImmediate}, 0},
		{"exponential", ir.RetrySpec{Mode: ir.RetryExponential, Limit: 4, Interval: time.Millisecond}, 4},
		{"empty mode is immediate", ir.RetrySpec{Limit: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, attempts(NewRetryPolicy(tt.spec)), tt.retries)
		})
	}
}

func TestRetryPolicy_ImmediateHasNoDelay(t *testing.T) {
	for _, d := range attempts(ImmediateRetry(3)) {
		assert.Zero(t, d)
	}
}

func TestRetryPolicy_ExponentialCapped(t *testing.T) {
	p := NewRetryPolicy(ir.RetrySpec{
		Mode:        ir.RetryExponential,
		Limit:       10,
		Interval:    time.Millisecond,
		MaxInterval: 8 * time.Millisecond,
	})
	for _, d := range attempts(p) {
		assert.Positive(t, d)
		// Randomization may exceed MaxInterval by the jitter factor.
		assert.LessOrEqual(t, d, 12*time.Millisecond)
	}
}

func TestRetryPolicy_ScheduleIsPerEnvelope(t *testing.T) {
	p := ImmediateRetry(1)
	a, b := &envelope{}, &envelope{}

	_, ok := p.next(a)
	assert.True(t, ok)
	_, ok = p.next(a)
	assert.False(t, ok)

	_, ok = p.next(b)
	assert.True(t, ok, "another copy keeps its own budget")
}
