package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fanout/internal/batch"
	"github.com/roach88/fanout/internal/bus"
	"github.com/roach88/fanout/internal/faults"
	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/tracker"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []ir.WorkItem
	failAt ir.WorkKey
}

func (f *fakeSender) Send(_ context.Context, item ir.WorkItem) error {
	if item.Key == f.failAt {
		return errors.New("broker unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, item)
	return nil
}

func (f *fakeSender) keys() []ir.WorkKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return keysOf(f.sent)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// settlements records how detached deliveries were settled.
type settlements struct {
	mu     sync.Mutex
	acked  map[*bus.Delivery]bool
	causes map[*bus.Delivery]error
}

func (s *settlements) settle(d *bus.Delivery, acked bool, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[d] = acked
	s.causes[d] = cause
}

func (s *settlements) isAcked(d *bus.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked, settled := s.acked[d]
	return settled && acked
}

func (s *settlements) isNacked(d *bus.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked, settled := s.acked[d]
	return settled && !acked
}

func (s *settlements) cause(d *bus.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.causes[d]
}

func deliveries(messageType string, attempt int, keys ...ir.WorkKey) (batch.Batch[*bus.Delivery], *settlements) {
	out := &settlements{acked: make(map[*bus.Delivery]bool), causes: make(map[*bus.Delivery]error)}
	items := make([]*bus.Delivery, len(keys))
	for i, k := range keys {
		items[i] = bus.NewDelivery(ir.NewWorkItem(messageType, k, nil), attempt, out.settle)
	}
	return batch.Batch[*bus.Delivery]{Seq: 1, Type: messageType, Items: items, Reason: batch.ReasonCount}, out
}

func stageSpec(fanout int) ir.StageSpec {
	return ir.StageSpec{Type: "DoWork", Fanout: fanout, Batch: ir.DefaultBatchOptions()}
}

func TestStage_ExpandRecordAck(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	s := NewStage(stageSpec(2), "DoSomeExtraWork", sender, reg, WithLogger(discardLogger()))

	b, settled := deliveries("DoWork", 1, "0-0", "0-1")
	require.NoError(t, s.Handle(context.Background(), b))

	assert.Equal(t, []ir.WorkKey{"0-0-0", "0-0-1", "0-1-0", "0-1-1"}, sender.keys())
	assert.Equal(t, map[string]int{"DoWork": 2}, reg.Snapshot())
	for _, d := range b.Items {
		assert.True(t, settled.isAcked(d))
	}
}

func TestStage_TerminalOnlyRecords(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	spec := ir.StageSpec{Type: "DoSomeExtraWork", Batch: ir.DefaultBatchOptions()}
	s := NewStage(spec, "", sender, reg, WithLogger(discardLogger()))

	b, settled := deliveries("DoSomeExtraWork", 1, "0-0-0", "0-0-0")
	require.NoError(t, s.Handle(context.Background(), b))

	assert.Empty(t, sender.keys())
	assert.Equal(t, map[string]int{"DoSomeExtraWork": 1}, reg.Snapshot())
	assert.Equal(t, map[string]int{"DoSomeExtraWork": 1}, reg.Duplicates())
	for _, d := range b.Items {
		assert.True(t, settled.isAcked(d), "duplicates are acked")
	}
}

func TestStage_SendFailureNacksBatch(t *testing.T) {
	sender := &fakeSender{failAt: "0-1-0"}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	s := NewStage(stageSpec(1), "DoSomeExtraWork", sender, reg, WithLogger(discardLogger()))

	b, settled := deliveries("DoWork", 1, "0-0", "0-1")
	err := s.Handle(context.Background(), b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")

	assert.Empty(t, reg.Snapshot(), "nothing is recorded for a failed batch")
	for _, d := range b.Items {
		assert.True(t, settled.isNacked(d))
		assert.Error(t, settled.cause(d))
	}
}

func TestStage_FailOnceEmitsHalfThenRecovers(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	plan := faults.Plan{FailKeys: map[string][]ir.WorkKey{"DoWork": {"0-0"}}}
	s := NewStage(stageSpec(4), "DoSomeExtraWork", sender, reg,
		WithLogger(discardLogger()), WithFaults(faults.New(plan)))

	first, settled := deliveries("DoWork", 1, "0-0")
	err := s.Handle(context.Background(), first)
	require.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, []ir.WorkKey{"0-0-0", "0-0-1"}, sender.keys())
	assert.True(t, settled.isNacked(first.Items[0]))

	retry, _ := deliveries("DoWork", 2, "0-0")
	require.NoError(t, s.Handle(context.Background(), retry))
	assert.Len(t, sender.keys(), 6, "the retry re-emits every child")
	assert.Equal(t, map[string]int{"DoWork": 1}, reg.Snapshot())
}

func TestStage_OutboxDiscardedOnFailure(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	plan := faults.Plan{FailKeys: map[string][]ir.WorkKey{"DoWork": {"0-1"}}}
	spec := stageSpec(2)
	spec.Outbox = true
	s := NewStage(spec, "DoSomeExtraWork", sender, reg,
		WithLogger(discardLogger()), WithFaults(faults.New(plan)))

	b, _ := deliveries("DoWork", 1, "0-0", "0-1")
	err := s.Handle(context.Background(), b)
	require.ErrorIs(t, err, ErrInjected)
	assert.Empty(t, sender.keys(), "no child escapes a failed outbox")
}

func TestStage_OutboxPublishesAll(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	spec := stageSpec(3)
	spec.Outbox = true
	s := NewStage(spec, "DoSomeExtraWork", sender, reg, WithLogger(discardLogger()), WithPublishers(2))

	b, settled := deliveries("DoWork", 1, "1-0", "1-1")
	require.NoError(t, s.Handle(context.Background(), b))

	assert.ElementsMatch(t,
		[]ir.WorkKey{"1-0-0", "1-0-1", "1-0-2", "1-1-0", "1-1-1", "1-1-2"},
		sender.keys())
	assert.True(t, settled.isAcked(b.Items[1]))
}

func TestStage_OutboxPublishFailure(t *testing.T) {
	sender := &fakeSender{failAt: "1-0-1"}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	spec := stageSpec(2)
	spec.Outbox = true
	s := NewStage(spec, "DoSomeExtraWork", sender, reg, WithLogger(discardLogger()))

	b, settled := deliveries("DoWork", 1, "1-0")
	require.Error(t, s.Handle(context.Background(), b))
	assert.True(t, settled.isNacked(b.Items[0]))
	assert.Empty(t, reg.Snapshot())
}

func TestStage_DelayHonoursContext(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	spec := stageSpec(1)
	spec.Delay = time.Hour
	s := NewStage(spec, "DoSomeExtraWork", sender, reg, WithLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	b, settled := deliveries("DoWork", 1, "0-0")
	err := s.Handle(ctx, b)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, settled.isNacked(b.Items[0]))
}

func TestStage_DelayApplied(t *testing.T) {
	sender := &fakeSender{}
	reg := tracker.New(tracker.WithLogger(discardLogger()))
	spec := stageSpec(0)
	spec.Delay = 20 * time.Millisecond
	s := NewStage(spec, "", sender, reg, WithLogger(discardLogger()))

	start := time.Now()
	b, _ := deliveries("DoWork", 1, "0-0")
	require.NoError(t, s.Handle(context.Background(), b))
	assert.GreaterOrEqual(t, time.Since(start), spec.Delay)
}
