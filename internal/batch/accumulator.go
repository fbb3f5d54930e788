package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/queue"
)

// Accumulator buffers items of one message type into batches.
//
// Offer, Flush and the release timer share one mutex; released batches go
// through a FIFO to a dispatch goroutine that runs the handler under a
// ConcurrencyLimit semaphore. Accumulation never waits for processing.
type Accumulator[T any] struct {
	messageType string
	opts        ir.BatchOptions
	handler     Handler[T]
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time

	slots    *semaphore.Weighted
	prefetch *semaphore.Weighted // nil when unbounded

	mu       sync.Mutex
	open     []T
	openSeq  int64
	openedAt time.Time
	timer    *time.Timer
	seq      int64
	closed   bool
	started  bool

	ready    *queue.Queue[Batch[T]]
	workers  sync.WaitGroup
	done     chan struct{}
	inFlight atomic.Int64
	released atomic.Int64
	failed   atomic.Int64
}

// New creates an accumulator for messageType. Call Start to begin
// dispatching released batches.
func New[T any](messageType string, opts ir.BatchOptions, handler Handler[T], options ...Option) (*Accumulator[T], error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("batch options for %s: %w", messageType, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("batch options for %s: handler is required", messageType)
	}

	cfg := config{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(&cfg)
	}

	a := &Accumulator[T]{
		messageType: messageType,
		opts:        opts,
		handler:     handler,
		logger:      cfg.logger.With("type", messageType),
		observer:    cfg.observer,
		now:         cfg.now,
		slots:       semaphore.NewWeighted(int64(opts.ConcurrencyLimit)),
		ready:       queue.New[Batch[T]](),
		done:        make(chan struct{}),
	}
	if opts.PrefetchCount > 0 {
		a.prefetch = semaphore.NewWeighted(int64(opts.PrefetchCount))
	}
	return a, nil
}

// Type returns the message type this accumulator batches.
func (a *Accumulator[T]) Type() string {
	return a.messageType
}

// Start launches the dispatch loop. Handlers run on a context that carries
// ctx's values but not its cancellation. Calling Start twice is a no-op.
func (a *Accumulator[T]) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startLocked(ctx)
}

func (a *Accumulator[T]) startLocked(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true
	go a.dispatch(context.WithoutCancel(ctx))
}

// Offer appends item to the open batch, releasing it when MessageLimit is
// reached. With a PrefetchCount set, Offer blocks until the accumulator
// holds fewer than PrefetchCount items or ctx is done.
func (a *Accumulator[T]) Offer(ctx context.Context, item T) error {
	if a.prefetch != nil {
		if err := a.prefetch.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		if a.prefetch != nil {
			a.prefetch.Release(1)
		}
		return ErrClosed
	}

	a.open = append(a.open, item)
	if len(a.open) == 1 {
		a.seq++
		a.openSeq = a.seq
		a.openedAt = a.now()
		seq := a.openSeq
		a.timer = time.AfterFunc(a.opts.TimeLimit, func() { a.expire(seq) })
	}
	if len(a.open) >= a.opts.MessageLimit {
		a.releaseLocked(ReasonCount)
	}
	return nil
}

// Flush releases the open batch if it holds any items.
func (a *Accumulator[T]) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.open) > 0 {
		a.releaseLocked(ReasonFlush)
	}
}

// Close stops accepting items, releases the trailing partial batch and
// waits until every released batch has been handled or ctx is done.
func (a *Accumulator[T]) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		if len(a.open) > 0 {
			a.releaseLocked(ReasonFlush)
		}
		a.ready.Close()
	}
	a.startLocked(ctx)
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %s accumulator: %w", a.messageType, ctx.Err())
	}
}

// Stats returns a snapshot of the accumulator.
func (a *Accumulator[T]) Stats() Stats {
	a.mu.Lock()
	open := len(a.open)
	a.mu.Unlock()

	return Stats{
		Open:     open,
		Queued:   a.ready.Len(),
		InFlight: int(a.inFlight.Load()),
		Released: a.released.Load(),
		Failed:   a.failed.Load(),
	}
}

// expire fires when the batch opened as seq reached TimeLimit. A stale
// timer (its batch already released) does nothing.
func (a *Accumulator[T]) expire(seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.openSeq != seq || len(a.open) == 0 {
		return
	}
	a.releaseLocked(ReasonTime)
}

func (a *Accumulator[T]) releaseLocked(reason Reason) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	b := Batch[T]{
		Seq:        a.openSeq,
		Type:       a.messageType,
		Items:      a.open,
		OpenedAt:   a.openedAt,
		ReleasedAt: a.now(),
		Reason:     reason,
	}
	a.open = nil
	a.released.Add(1)

	if a.observer != nil {
		a.observer.BatchReleased(a.messageType, string(reason), len(b.Items))
	}
	a.logger.Debug("batch released", "seq", b.Seq, "size", len(b.Items), "reason", reason)

	// The queue only closes under a.mu after the final release.
	a.ready.Enqueue(b)
}

func (a *Accumulator[T]) dispatch(ctx context.Context) {
	defer close(a.done)

	for {
		b, ok := a.ready.TryDequeue()
		if !ok {
			if a.ready.Drained() {
				break
			}
			<-a.ready.Wait()
			continue
		}

		// ctx is never canceled, so Acquire only returns once a slot frees.
		_ = a.slots.Acquire(ctx, 1)
		a.workers.Add(1)
		go a.process(ctx, b)
	}
	a.workers.Wait()
}

func (a *Accumulator[T]) process(ctx context.Context, b Batch[T]) {
	defer a.workers.Done()
	defer a.slots.Release(1)
	if a.prefetch != nil {
		defer a.prefetch.Release(int64(len(b.Items)))
	}

	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	if a.observer != nil {
		a.observer.BatchStarted(a.messageType)
	}
	start := time.Now()
	err := a.handler(ctx, b)
	if a.observer != nil {
		a.observer.BatchFinished(a.messageType, time.Since(start))
	}

	if err != nil {
		a.failed.Add(1)
		a.logger.Warn("batch handler failed", "seq", b.Seq, "size", len(b.Items), "error", err)
		return
	}
	a.logger.Debug("batch processed", "seq", b.Seq, "size", len(b.Items), "duration", time.Since(start))
}
