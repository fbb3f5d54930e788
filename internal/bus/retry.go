package bus

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/fanout/internal/ir"
)

// RetryPolicy decides whether and when a nacked message is redelivered.
// Limit counts redeliveries, so Limit 1 allows two attempts in total.
type RetryPolicy struct {
	Mode       ir.RetryMode
	Limit      int
	newBackOff func() backoff.BackOff
}

// NewRetryPolicy builds a policy from its compiled spec.
func NewRetryPolicy(spec ir.RetrySpec) RetryPolicy {
	p := RetryPolicy{Mode: spec.Mode, Limit: spec.Limit}

	switch spec.Mode {
	case ir.RetryNone:
		p.Limit = 0
	case ir.RetryExponential:
		p.newBackOff = func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			if spec.Interval > 0 {
				eb.InitialInterval = spec.Interval
			}
			if spec.MaxInterval > 0 {
				eb.MaxInterval = spec.MaxInterval
			}
			// The retry limit bounds attempts, not elapsed time.
			eb.MaxElapsedTime = 0
			eb.Reset()
			return eb
		}
	default:
		p.newBackOff = func() backoff.BackOff {
			return &backoff.ZeroBackOff{}
		}
	}
	return p
}

// ImmediateRetry redelivers up to limit times without delay.
func ImmediateRetry(limit int) RetryPolicy {
	return NewRetryPolicy(ir.RetrySpec{Mode: ir.RetryImmediate, Limit: limit})
}

// next returns the delay before the next attempt of env, or false once the
// policy is exhausted. The schedule lives on the envelope so every copy of
// a message keeps its own attempt count.
func (p RetryPolicy) next(env *envelope) (time.Duration, bool) {
	if p.Limit <= 0 || p.newBackOff == nil {
		return 0, false
	}
	if env.backoff == nil {
		env.backoff = backoff.WithMaxRetries(p.newBackOff(), uint64(p.Limit))
	}
	d := env.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
