// Package bus is an in-process message broker with at-least-once delivery.
//
// Each message type has an endpoint: an unbounded FIFO drained by one
// consumer goroutine that hands out single-message deliveries. A delivery
// is settled with Ack or Nack; nacked messages are redelivered according
// to the retry policy and dead-lettered once it is exhausted. A fault plan
// can drop or duplicate sent messages to exercise the consumers'
// idempotence.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fanout/internal/faults"
	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/queue"
)

var (
	// ErrNoRoute is returned when sending to an undeclared message type.
	ErrNoRoute = errors.New("bus: no endpoint for message type")

	// ErrClosed is returned when sending after Close.
	ErrClosed = errors.New("bus: closed")
)

// Consumer receives single deliveries of one message type. It must settle
// every delivery, possibly after returning.
type Consumer func(ctx context.Context, d *Delivery)

// Observer receives redelivery events.
type Observer interface {
	MessageRedelivered(messageType string)
	MessageDeadLettered(messageType string)
}

// DeadLetter is a message that exhausted the retry policy.
type DeadLetter struct {
	Item     ir.WorkItem `json:"item"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error"`
}

type endpoint struct {
	name     string
	queue    *queue.Queue[*envelope]
	consumer Consumer
}

// Bus routes messages to per-type endpoints.
type Bus struct {
	logger   *slog.Logger
	observer Observer
	faults   *faults.Injector
	retry    RetryPolicy
	inflight *InFlight

	mu          sync.RWMutex
	endpoints   map[string]*endpoint
	order       []string
	started     bool
	closed      bool
	cancel      context.CancelFunc
	timers      map[*time.Timer]*envelope
	deadLetters []DeadLetter

	consumers sync.WaitGroup

	sent         atomic.Int64
	delivered    atomic.Int64
	redelivered  atomic.Int64
	duplicated   atomic.Int64
	dropped      atomic.Int64
	deadLettered atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithRetryPolicy sets the redelivery policy. The default redelivers once,
// immediately.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(b *Bus) {
		b.retry = p
	}
}

// WithFaults injects delivery faults.
func WithFaults(in *faults.Injector) Option {
	return func(b *Bus) {
		b.faults = in
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) {
		b.observer = o
	}
}

// New creates a bus with no endpoints.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    slog.Default(),
		retry:     ImmediateRetry(1),
		inflight:  NewInFlight(),
		endpoints: make(map[string]*endpoint),
		timers:    make(map[*time.Timer]*envelope),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Declare creates the endpoint for messageType. Declaring twice is a no-op.
func (b *Bus) Declare(messageType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.endpoints[messageType]; ok {
		return
	}
	b.endpoints[messageType] = &endpoint{name: messageType, queue: queue.New[*envelope]()}
	b.order = append(b.order, messageType)
}

// Subscribe attaches the consumer of messageType, declaring the endpoint
// if needed. Each endpoint has at most one consumer and subscriptions
// close when the bus starts.
func (b *Bus) Subscribe(messageType string, consumer Consumer) error {
	b.Declare(messageType)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("subscribe %s: bus already started", messageType)
	}
	ep := b.endpoints[messageType]
	if ep.consumer != nil {
		return fmt.Errorf("subscribe %s: endpoint already has a consumer", messageType)
	}
	ep.consumer = consumer
	return nil
}

// Start launches one consumer goroutine per subscribed endpoint. The
// consumers stop when ctx is done or the bus closes.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.started {
		return errors.New("bus: already started")
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	for _, name := range b.order {
		ep := b.endpoints[name]
		if ep.consumer == nil {
			continue
		}
		b.consumers.Add(1)
		go b.consume(ctx, ep)
	}
	b.logger.Debug("bus started", "endpoints", len(b.order))
	return nil
}

// Send enqueues item on the endpoint of its type. The fault plan may drop
// the message or enqueue it twice.
func (b *Bus) Send(ctx context.Context, item ir.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	ep, ok := b.endpoints[item.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, item.Type)
	}
	b.sent.Add(1)

	copies := 1
	switch b.faults.OnSend(item.Type, item.Key) {
	case faults.Drop:
		b.dropped.Add(1)
		b.logger.Debug("message dropped", "type", item.Type, "key", item.Key)
		return nil
	case faults.Duplicate:
		b.duplicated.Add(1)
		copies = 2
	}
	for range copies {
		b.inflight.Inc()
		ep.queue.Enqueue(&envelope{item: item, attempt: 1})
	}
	return nil
}

// WaitIdle blocks until no message is in flight or ctx is done.
func (b *Bus) WaitIdle(ctx context.Context) error {
	return b.inflight.Wait(ctx)
}

// Idle returns a channel closed once no message is in flight.
func (b *Bus) Idle() <-chan struct{} {
	return b.inflight.Idle()
}

// InFlight returns the number of unsettled messages.
func (b *Bus) InFlight() int64 {
	return b.inflight.Load()
}

// Close stops the consumers and dead-letters everything still queued or
// waiting for redelivery. It waits for consumer goroutines to return or
// ctx to be done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	var pending []*envelope
	for t, env := range b.timers {
		if t.Stop() {
			pending = append(pending, env)
		}
	}
	clear(b.timers)
	for _, name := range b.order {
		b.endpoints[name].queue.Close()
	}
	b.mu.Unlock()

	for _, env := range pending {
		b.deadLetter(env, ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		b.consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close bus: %w", ctx.Err())
	}

	b.mu.RLock()
	endpoints := make([]*endpoint, 0, len(b.order))
	for _, name := range b.order {
		endpoints = append(endpoints, b.endpoints[name])
	}
	b.mu.RUnlock()

	abandoned := 0
	for _, ep := range endpoints {
		for {
			env, ok := ep.queue.TryDequeue()
			if !ok {
				break
			}
			b.deadLetter(env, ErrClosed)
			abandoned++
		}
	}
	if abandoned > 0 {
		b.logger.Warn("bus closed with undelivered messages", "count", abandoned)
	}
	return nil
}

// Stats returns delivery counters.
func (b *Bus) Stats() ir.DeliveryStats {
	return ir.DeliveryStats{
		Sent:         b.sent.Load(),
		Delivered:    b.delivered.Load(),
		Redelivered:  b.redelivered.Load(),
		Duplicated:   b.duplicated.Load(),
		Dropped:      b.dropped.Load(),
		DeadLettered: b.deadLettered.Load(),
	}
}

// DeadLetters returns the messages that exhausted the retry policy.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]DeadLetter(nil), b.deadLetters...)
}

func (b *Bus) consume(ctx context.Context, ep *endpoint) {
	defer b.consumers.Done()

	for ctx.Err() == nil {
		env, ok := ep.queue.TryDequeue()
		if !ok {
			if ep.queue.Drained() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ep.queue.Wait():
			}
			continue
		}

		b.delivered.Add(1)
		ep.consumer(ctx, &Delivery{Item: env.item, Attempt: env.attempt, bus: b, env: env})
	}
}

func (b *Bus) nack(env *envelope, cause error) {
	delay, ok := b.retry.next(env)
	if !ok {
		b.deadLetter(env, cause)
		return
	}

	b.redelivered.Add(1)
	if b.observer != nil {
		b.observer.MessageRedelivered(env.item.Type)
	}
	b.logger.Debug("message redelivery scheduled",
		"type", env.item.Type,
		"key", env.item.Key,
		"attempt", env.attempt+1,
		"delay", delay,
		"error", cause)

	next := &envelope{item: env.item, attempt: env.attempt + 1, backoff: env.backoff}
	if delay <= 0 {
		b.requeue(next)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.deadLetter(next, ErrClosed)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		b.requeue(next)
	})
	b.timers[t] = next
	b.mu.Unlock()
}

func (b *Bus) requeue(env *envelope) {
	b.mu.RLock()
	ok := !b.closed && b.endpoints[env.item.Type].queue.Enqueue(env)
	b.mu.RUnlock()

	if !ok {
		b.deadLetter(env, ErrClosed)
	}
}

func (b *Bus) deadLetter(env *envelope, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{Item: env.item, Attempts: env.attempt, Error: msg})
	b.mu.Unlock()

	b.deadLettered.Add(1)
	if b.observer != nil {
		b.observer.MessageDeadLettered(env.item.Type)
	}
	b.logger.Warn("message dead-lettered",
		"type", env.item.Type,
		"key", env.item.Key,
		"attempts", env.attempt,
		"error", msg)
	b.inflight.Dec()
}
