package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/fanout/internal/batch"
	"github.com/roach88/fanout/internal/bus"
	"github.com/roach88/fanout/internal/faults"
	"github.com/roach88/fanout/internal/ir"
)

var tracer = otel.Tracer("internal/fanout")

// ErrInjected is the cause of failures planted by the fault plan.
var ErrInjected = errors.New("injected expansion failure")

// DefaultPublishers bounds concurrent sends when an outbox is flushed.
const DefaultPublishers = 10

// Sender publishes one message. *bus.Bus satisfies it.
type Sender interface {
	Send(ctx context.Context, item ir.WorkItem) error
}

// Recorder records the keys a stage processed. *tracker.Registry
// satisfies it.
type Recorder interface {
	Record(messageType string, keys []ir.WorkKey)
}

// Stage handles released batches of one message type.
type Stage struct {
	spec       ir.StageSpec
	childType  string
	sender     Sender
	recorder   Recorder
	faults     *faults.Injector
	logger     *slog.Logger
	publishers int
}

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// WithFaults plants expansion failures.
func WithFaults(in *faults.Injector) Option {
	return func(s *Stage) {
		s.faults = in
	}
}

// WithPublishers bounds concurrent sends of an outbox flush.
func WithPublishers(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.publishers = n
		}
	}
}

// NewStage builds the handler for spec. childType is the next stage's
// message type, empty for the terminal stage.
func NewStage(spec ir.StageSpec, childType string, sender Sender, recorder Recorder, opts ...Option) *Stage {
	s := &Stage{
		spec:       spec,
		childType:  childType,
		sender:     sender,
		recorder:   recorder,
		logger:     slog.Default(),
		publishers: DefaultPublishers,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("type", spec.Type)
	return s
}

// Type returns the message type the stage consumes.
func (s *Stage) Type() string {
	return s.spec.Type
}

// Handle processes one released batch. On success every parent key is
// recorded and every delivery acknowledged. On failure every delivery is
// nacked so the bus redelivers the whole batch, and the error is returned.
func (s *Stage) Handle(ctx context.Context, b batch.Batch[*bus.Delivery]) error {
	ctx, span := tracer.Start(ctx, "fanout.batch", trace.WithAttributes(
		attribute.String("type", s.spec.Type),
		attribute.Int64("seq", b.Seq),
		attribute.Int("size", b.Len()),
		attribute.String("reason", string(b.Reason)),
	))
	defer span.End()

	err := s.handle(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for _, d := range b.Items {
			d.Nack(err)
		}
		return fmt.Errorf("%s batch %d: %w", s.spec.Type, b.Seq, err)
	}

	keys := make([]ir.WorkKey, len(b.Items))
	for i, d := range b.Items {
		keys[i] = d.Item.Key
	}
	s.recorder.Record(s.spec.Type, keys)
	for _, d := range b.Items {
		d.Ack()
	}
	return nil
}

func (s *Stage) handle(ctx context.Context, b batch.Batch[*bus.Delivery]) error {
	if s.spec.Delay > 0 {
		t := time.NewTimer(s.spec.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	var outbox []ir.WorkItem
	emitted := 0
	for _, d := range b.Items {
		var kids []ir.WorkItem
		if s.childType != "" {
			kids = children(d.Item, s.childType, s.spec.Fanout)
		}

		if s.faults.ShouldFail(s.spec.Type, d.Item.Key, d.Attempt) {
			// Half the children escape before the failure so the retry
			// re-emits them.
			if !s.spec.Outbox {
				if err := s.sendAll(ctx, kids[:len(kids)/2]); err != nil {
					return err
				}
			}
			return fmt.Errorf("%w: %s attempt %d", ErrInjected, d.Item.Key, d.Attempt)
		}

		if s.spec.Outbox {
			outbox = append(outbox, kids...)
			continue
		}
		if err := s.sendAll(ctx, kids); err != nil {
			return err
		}
		emitted += len(kids)
	}

	if len(outbox) > 0 {
		if err := s.publish(ctx, outbox); err != nil {
			return err
		}
		emitted = len(outbox)
	}

	s.logger.Debug("batch expanded",
		"seq", b.Seq,
		"size", b.Len(),
		"children", emitted,
		"outbox", s.spec.Outbox)
	return nil
}

func (s *Stage) sendAll(ctx context.Context, items []ir.WorkItem) error {
	for _, item := range items {
		if err := s.sender.Send(ctx, item); err != nil {
			return fmt.Errorf("send %s %s: %w", item.Type, item.Key, err)
		}
	}
	return nil
}

// publish flushes an outbox concurrently. Ordering across children is not
// preserved.
func (s *Stage) publish(ctx context.Context, items []ir.WorkItem) error {
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(s.publishers)
	for _, item := range items {
		p.Go(func(ctx context.Context) error {
			if err := s.sender.Send(ctx, item); err != nil {
				return fmt.Errorf("publish %s %s: %w", item.Type, item.Key, err)
			}
			return nil
		})
	}
	return p.Wait()
}
