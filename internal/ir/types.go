package ir

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// WorkItem is one message flowing through the pipeline. It carries exactly
// one work key. Items are immutable once emitted.
type WorkItem struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Key     WorkKey  `json:"key"`
	Payload IRObject `json:"payload,omitempty"`
}

// NewWorkItem builds a work item with its content-addressed ID. Redelivered
// and re-expanded copies of the same (type, key) share the ID.
func NewWorkItem(messageType string, key WorkKey, payload IRObject) WorkItem {
	return WorkItem{
		ID:      MustMessageID(messageType, key),
		Type:    messageType,
		Key:     key,
		Payload: payload,
	}
}

// Default batch options, matching the values the load demo was tuned with.
const (
	DefaultMessageLimit     = 200
	DefaultTimeLimit        = 200 * time.Millisecond
	DefaultConcurrencyLimit = 10
	DefaultPrefetchCount    = 200
)

// BatchOptions configure how one message type is accumulated into batches.
type BatchOptions struct {
	// MessageLimit releases a batch once it holds this many items.
	MessageLimit int `json:"message_limit"`
	// TimeLimit releases a non-empty batch once its oldest item waited this long.
	TimeLimit time.Duration `json:"time_limit"`
	// ConcurrencyLimit caps batches of this type processed at once.
	ConcurrencyLimit int `json:"concurrency_limit"`
	// PrefetchCount caps items held but not yet acknowledged. Zero means unbounded.
	PrefetchCount int `json:"prefetch_count"`
}

// DefaultBatchOptions returns the default batch options.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		MessageLimit:     DefaultMessageLimit,
		TimeLimit:        DefaultTimeLimit,
		ConcurrencyLimit: DefaultConcurrencyLimit,
		PrefetchCount:    DefaultPrefetchCount,
	}
}

// Validate checks the options are usable by an accumulator.
func (o BatchOptions) Validate() error {
	switch {
	case o.MessageLimit <= 0:
		return fmt.Errorf("message_limit must be positive, got %d", o.MessageLimit)
	case o.TimeLimit <= 0:
		return fmt.Errorf("time_limit must be positive, got %s", o.TimeLimit)
	case o.ConcurrencyLimit <= 0:
		return fmt.Errorf("concurrency_limit must be positive, got %d", o.ConcurrencyLimit)
	case o.PrefetchCount < 0:
		return fmt.Errorf("prefetch_count must not be negative, got %d", o.PrefetchCount)
	case o.PrefetchCount > 0 && o.PrefetchCount < o.MessageLimit:
		// A batch could never fill, leaving every release to the timer.
		return fmt.Errorf("prefetch_count %d is below message_limit %d", o.PrefetchCount, o.MessageLimit)
	}
	return nil
}

// StageSpec describes one message type of the pipeline.
type StageSpec struct {
	Type   string       `json:"type"`
	Fanout int          `json:"fanout"`
	Batch  BatchOptions `json:"batch"`
	// Delay simulates per-batch processing time.
	Delay time.Duration `json:"delay"`
	// Outbox holds emitted children until the batch handler succeeded.
	Outbox bool `json:"outbox"`
}

// RetryMode selects the redelivery schedule after a consumer failure.
type RetryMode string

const (
	RetryNone        RetryMode = "none"
	RetryImmediate   RetryMode = "immediate"
	RetryExponential RetryMode = "exponential"
)

// RetrySpec configures redelivery of nacked messages.
type RetrySpec struct {
	Mode        RetryMode     `json:"mode"`
	Limit       int           `json:"limit"`
	Interval    time.Duration `json:"interval"`
	MaxInterval time.Duration `json:"max_interval"`
}

// Topology is the compiled shape of a pipeline run. Stage i records keys of
// depth i+1 and emits its children to stage i+1.
type Topology struct {
	Name         string      `json:"name"`
	ProcessCount int         `json:"process_count"`
	Stages       []StageSpec `json:"stages"`
	Retry        RetrySpec   `json:"retry"`
}

// Counts returns the fan-out count of every key level: the process count
// followed by the fanout of each non-terminal stage.
func (t Topology) Counts() []int {
	counts := make([]int, 0, len(t.Stages))
	counts = append(counts, t.ProcessCount)
	for i := 0; i < len(t.Stages)-1; i++ {
		counts = append(counts, t.Stages[i].Fanout)
	}
	return counts
}

// ChildType returns the type stage i emits to, or "" for the terminal stage.
func (t Topology) ChildType(i int) string {
	if i+1 >= len(t.Stages) {
		return ""
	}
	return t.Stages[i+1].Type
}

// WithCounts returns a copy with the process count and the fanout of the
// leading stages replaced. Negative values leave the existing count.
func (t Topology) WithCounts(processCount int, fanouts ...int) Topology {
	out := t
	out.Stages = append([]StageSpec(nil), t.Stages...)
	if processCount >= 0 {
		out.ProcessCount = processCount
	}
	for i, n := range fanouts {
		if i < len(out.Stages) && n >= 0 {
			out.Stages[i].Fanout = n
		}
	}
	return out
}

// Validate checks structural rules shared by the compiler and the engine.
func (t Topology) Validate() error {
	if t.ProcessCount < 0 {
		return fmt.Errorf("process_count must not be negative, got %d", t.ProcessCount)
	}
	if len(t.Stages) == 0 {
		return errors.New("topology has no stages")
	}
	seen := make(map[string]bool, len(t.Stages))
	for i, s := range t.Stages {
		if s.Type == "" {
			return fmt.Errorf("stages[%d]: type is required", i)
		}
		name := norm.NFC.String(s.Type)
		if seen[name] {
			return fmt.Errorf("stages[%d]: duplicate type %q", i, s.Type)
		}
		seen[name] = true
		if s.Fanout < 0 {
			return fmt.Errorf("stages[%d]: fanout must not be negative, got %d", i, s.Fanout)
		}
		if i == len(t.Stages)-1 && s.Fanout > 0 {
			return fmt.Errorf("stages[%d]: terminal stage %q cannot fan out", i, s.Type)
		}
		if s.Delay < 0 {
			return fmt.Errorf("stages[%d]: delay must not be negative", i)
		}
		if err := s.Batch.Validate(); err != nil {
			return fmt.Errorf("stages[%d]: %w", i, err)
		}
	}
	switch t.Retry.Mode {
	case RetryNone, RetryImmediate, RetryExponential:
	default:
		return fmt.Errorf("retry: unknown mode %q", t.Retry.Mode)
	}
	if t.Retry.Limit < 0 {
		return fmt.Errorf("retry: limit must not be negative, got %d", t.Retry.Limit)
	}
	return nil
}

// StageReport is the verification result for one message type.
type StageReport struct {
	Type       string    `json:"type"`
	Level      int       `json:"level"`
	Expected   int       `json:"expected"`
	Observed   int       `json:"observed"`
	Duplicates int       `json:"duplicates"`
	Missing    []WorkKey `json:"missing"`
	Unexpected []WorkKey `json:"unexpected,omitempty"`
}

// DeliveryStats summarises what the bus did during a run.
type DeliveryStats struct {
	Sent         int64 `json:"sent"`
	Delivered    int64 `json:"delivered"`
	Redelivered  int64 `json:"redelivered"`
	Duplicated   int64 `json:"duplicated"`
	Dropped      int64 `json:"dropped"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Report is the outcome of one verified run.
type Report struct {
	RunID        string        `json:"run_id"`
	Topology     string        `json:"topology"`
	TopologyHash string        `json:"topology_hash"`
	Counts       []int         `json:"counts"`
	Stages       []StageReport `json:"stages"`
	Delivery     DeliveryStats `json:"delivery"`
	Drained      bool          `json:"drained"`
	Complete     bool          `json:"complete"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// MissingCount returns the number of missing keys across all stages.
func (r Report) MissingCount() int {
	n := 0
	for _, s := range r.Stages {
		n += len(s.Missing)
	}
	return n
}

// Stage returns the report of the given message type.
func (r Report) Stage(messageType string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Type == messageType {
			return s, true
		}
	}
	return StageReport{}, false
}
