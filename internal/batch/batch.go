// Package batch accumulates single messages of one type into batches.
//
// A batch is released when it reaches MessageLimit items, when its oldest
// item has waited TimeLimit, or on an explicit flush. Released batches are
// handed to a handler with at most ConcurrencyLimit batches in flight, and
// PrefetchCount bounds how many items the accumulator holds before Offer
// blocks.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrClosed is returned by Offer after Close.
var ErrClosed = errors.New("batch: accumulator closed")

// Reason explains why a batch was released.
type Reason string

const (
	ReasonCount Reason = "count"
	ReasonTime  Reason = "time"
	ReasonFlush Reason = "flush"
)

// Batch is an ordered group of items of one message type. Items keep their
// arrival order. A batch is released once and never appended to afterwards.
type Batch[T any] struct {
	Seq        int64
	Type       string
	Items      []T
	OpenedAt   time.Time
	ReleasedAt time.Time
	Reason     Reason
}

// Len returns the number of items.
func (b Batch[T]) Len() int {
	return len(b.Items)
}

// Handler processes one released batch. The context is detached from the
// caller's cancellation so a stop signal never interrupts a batch midway.
type Handler[T any] func(ctx context.Context, b Batch[T]) error

// Observer receives batch lifecycle events.
type Observer interface {
	BatchReleased(messageType, reason string, size int)
	BatchStarted(messageType string)
	BatchFinished(messageType string, d time.Duration)
}

// Stats is a point-in-time view of an accumulator.
type Stats struct {
	Open     int   `json:"open"`
	Queued   int   `json:"queued"`
	InFlight int   `json:"in_flight"`
	Released int64 `json:"released"`
	Failed   int64 `json:"failed"`
}

type config struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures an Accumulator.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *config) {
		c.observer = o
	}
}

// WithNow overrides the wall clock used for batch timestamps.
// Release timing always uses real timers.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}
