package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fanout/internal/batch"
	"github.com/roach88/fanout/internal/bus"
	"github.com/roach88/fanout/internal/fanout"
	"github.com/roach88/fanout/internal/faults"
	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/keyspace"
	"github.com/roach88/fanout/internal/metrics"
	"github.com/roach88/fanout/internal/tracker"
)

const (
	// DefaultDrainTimeout bounds how long draining waits for the pipeline
	// to go quiet.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultPollInterval is how often draining re-flushes accumulators.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultSeeders bounds concurrent root sends.
	DefaultSeeders = 10
)

// Engine drives one pipeline run.
//
// Thread-safety model:
//   - Run(): call once; a second call fails with INVALID_TRANSITION
//   - State(), Path(), Probe(), RunID(): safe from any goroutine
//
// INVARIANTS:
//   - The registry is created per run and shared by every stage
//   - Stage i records keys of depth i+1 and emits to stage i+1
//   - Verification only happens after draining
type Engine struct {
	topology     ir.Topology
	topologyHash string

	logger       *slog.Logger
	metrics      *metrics.Metrics
	faults       *faults.Injector
	runIDs       RunIDGenerator
	window       time.Duration
	drainTimeout time.Duration
	pollInterval time.Duration
	seeders      int
	now          func() time.Time

	life *lifecycle

	mu       sync.Mutex
	started  bool
	runID    string
	bus      *bus.Bus
	registry *tracker.Registry
	stages   []*runStage
}

// runStage is one wired stage of a run.
type runStage struct {
	spec  ir.StageSpec
	level int
	acc   *batch.Accumulator[*bus.Delivery]
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics records batch, tracker and bus metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithFaults injects the faults of plan into the bus and the stages.
func WithFaults(plan faults.Plan) EngineOption {
	return func(e *Engine) {
		if !plan.Empty() {
			e.faults = faults.New(plan)
		}
	}
}

// WithRunIDGenerator sets the run ID source. Defaults to UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) EngineOption {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// WithWindow starts draining after d instead of waiting for the pipeline
// to go idle.
//
// Default: 0 (drain once nothing is in flight)
func WithWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.window = d
	}
}

// WithDrainTimeout bounds draining.
//
// Default: 30s (DefaultDrainTimeout)
func WithDrainTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.drainTimeout = d
		}
	}
}

// WithPollInterval sets how often draining re-flushes accumulators.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithSeeders bounds concurrent root sends.
//
// Default: 10 (DefaultSeeders)
func WithSeeders(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.seeders = n
		}
	}
}

// New creates an Engine for topology. The topology is validated and
// hashed once; each Engine runs at most once.
func New(topology ir.Topology, opts ...EngineOption) (*Engine, error) {
	if err := topology.Validate(); err != nil {
		return nil, &RuntimeError{
			Code:    ErrCodeInvalidTopology,
			Message: err.Error(),
			Err:     err,
		}
	}
	hash, err := ir.TopologyHash(topology)
	if err != nil {
		return nil, fmt.Errorf("hash topology %s: %w", topology.Name, err)
	}

	e := &Engine{
		topology:     topology,
		topologyHash: hash,
		logger:       slog.Default(),
		runIDs:       UUIDv7Generator{},
		drainTimeout: DefaultDrainTimeout,
		pollInterval: DefaultPollInterval,
		seeders:      DefaultSeeders,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.life = newLifecycle(e.logger)
	return e, nil
}

// Topology returns the topology the engine runs.
func (e *Engine) Topology() ir.Topology {
	return e.topology
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return e.life.state()
}

// Path returns every state the engine has been in, in order.
func (e *Engine) Path() []State {
	return e.life.path()
}

// RunID returns the ID of the run, or "" before Run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Run seeds the pipeline, waits for a drain trigger, drains and verifies.
//
// Draining starts when ctx is canceled, when the observation window ends,
// or (without a window) once nothing is in flight. In-flight batches
// always finish: handlers never see ctx's cancellation.
//
// The report is returned whenever the run got past setup. Missing keys
// are reported, not returned as an error. A drain timeout returns the
// (incomplete) report together with an error wrapping ErrDrainTimeout.
func (e *Engine) Run(ctx context.Context) (*ir.Report, error) {
	e.mu.Lock()
	if e.started {
		runID := e.runID
		e.mu.Unlock()
		return nil, NewTransitionError(runID, e.State(), StateSeeding)
	}
	e.started = true
	runID := e.runIDs.Generate()
	e.runID = runID
	e.mu.Unlock()

	logger := e.logger.With("run_id", runID)
	startedAt := e.now()

	if err := e.setup(ctx, logger); err != nil {
		if terr := e.life.transition(runID, StateStopped); terr != nil {
			return nil, errors.Join(err, terr)
		}
		return nil, err
	}
	if err := e.life.transition(runID, StateSeeding); err != nil {
		return nil, err
	}
	logger.Info("run started",
		"topology", e.topology.Name,
		"counts", e.topology.Counts(),
		"stages", len(e.stages))

	seedErr := e.seed(ctx)
	if seedErr != nil {
		logger.Warn("seeding aborted", "error", seedErr)
		if err := e.life.transition(runID, StateDraining); err != nil {
			return nil, err
		}
	} else {
		if err := e.life.transition(runID, StateRunning); err != nil {
			return nil, err
		}
		trigger := e.await(ctx)
		logger.Info("draining", "trigger", trigger, "in_flight", e.bus.InFlight())
		if err := e.life.transition(runID, StateDraining); err != nil {
			return nil, err
		}
	}

	drained := e.drain(ctx)
	inFlight := e.bus.InFlight()
	e.shutdown(ctx, logger)

	report := e.verify(runID, startedAt, drained)

	if !drained {
		if err := e.life.transition(runID, StateStopped); err != nil {
			return report, err
		}
		logger.Error("drain timed out", "timeout", e.drainTimeout, "in_flight", inFlight)
		return report, NewDrainTimeoutError(runID, e.drainTimeout, inFlight)
	}

	if err := e.life.transition(runID, StateVerified); err != nil {
		return report, err
	}
	e.logReport(logger, report)
	if err := e.life.transition(runID, StateStopped); err != nil {
		return report, err
	}

	if seedErr != nil && !errors.Is(seedErr, context.Canceled) && !errors.Is(seedErr, context.DeadlineExceeded) {
		return report, &RuntimeError{
			Code:    ErrCodeSeedFailed,
			Message: seedErr.Error(),
			RunID:   runID,
			Err:     seedErr,
		}
	}
	return report, nil
}

// setup wires the bus, the registry and one accumulator per stage.
func (e *Engine) setup(ctx context.Context, logger *slog.Logger) error {
	reg := tracker.New(
		tracker.WithLogger(logger),
		tracker.WithObserver(e.metrics),
	)
	b := bus.New(
		bus.WithLogger(logger),
		bus.WithRetryPolicy(bus.NewRetryPolicy(e.topology.Retry)),
		bus.WithFaults(e.faults),
		bus.WithObserver(e.metrics),
	)

	stages := make([]*runStage, 0, len(e.topology.Stages))
	for i, spec := range e.topology.Stages {
		level := i + 1
		reg.Declare(spec.Type, level)

		stage := fanout.NewStage(spec, e.topology.ChildType(i), b, reg,
			fanout.WithLogger(logger),
			fanout.WithFaults(e.faults),
		)
		acc, err := batch.New[*bus.Delivery](spec.Type, spec.Batch, stage.Handle,
			batch.WithLogger(logger),
			batch.WithObserver(e.metrics),
		)
		if err != nil {
			return err
		}
		err = b.Subscribe(spec.Type, func(ctx context.Context, d *bus.Delivery) {
			if err := acc.Offer(ctx, d); err != nil {
				d.Nack(err)
			}
		})
		if err != nil {
			return err
		}
		stages = append(stages, &runStage{spec: spec, level: level, acc: acc})
	}

	for _, s := range stages {
		s.acc.Start(ctx)
	}
	// Consumers keep running through a drain triggered by ctx.
	if err := b.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	e.mu.Lock()
	e.bus = b
	e.registry = reg
	e.stages = stages
	e.mu.Unlock()
	return nil
}

// seed sends one root item per process to the first stage.
func (e *Engine) seed(ctx context.Context) error {
	first := e.topology.Stages[0].Type
	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(e.seeders)
	for _, item := range fanout.Seeds(first, e.topology.ProcessCount) {
		p.Go(func(ctx context.Context) error {
			return e.bus.Send(ctx, item)
		})
	}
	return p.Wait()
}

// await blocks until a drain trigger fires and names it.
func (e *Engine) await(ctx context.Context) string {
	idle := e.bus.Idle()
	var window <-chan time.Time
	if e.window > 0 {
		t := time.NewTimer(e.window)
		defer t.Stop()
		window = t.C
		idle = nil
	}

	select {
	case <-ctx.Done():
		return "canceled"
	case <-window:
		return "window"
	case <-idle:
		return "idle"
	}
}

// drain force-flushes every accumulator until nothing is in flight.
// Returns false if the drain timeout expired first.
func (e *Engine) drain(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		for _, s := range e.stages {
			s.acc.Flush()
		}
		select {
		case <-e.bus.Idle():
			return true
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// shutdown closes the bus, then the accumulators. Anything still queued is
// dead-lettered by the bus.
func (e *Engine) shutdown(ctx context.Context, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.drainTimeout)
	defer cancel()

	if err := e.bus.Close(ctx); err != nil {
		logger.Warn("bus close", "error", err)
	}
	for _, s := range e.stages {
		if err := s.acc.Close(ctx); err != nil {
			logger.Warn("accumulator close", "type", s.spec.Type, "error", err)
		}
	}
}

// verify diffs the registry against the key space of the topology.
func (e *Engine) verify(runID string, startedAt time.Time, drained bool) *ir.Report {
	counts := e.topology.Counts()
	levels := keyspace.Levels(counts...)
	expected := make(keyspace.Set)
	for _, l := range levels {
		expected = expected.Union(l)
	}
	duplicates := e.registry.Duplicates()

	report := &ir.Report{
		RunID:        runID,
		Topology:     e.topology.Name,
		TopologyHash: e.topologyHash,
		Counts:       counts,
		Stages:       make([]ir.StageReport, 0, len(e.stages)),
		Delivery:     e.bus.Stats(),
		Drained:      drained,
		StartedAt:    startedAt,
	}

	complete := drained
	for i, s := range e.stages {
		missing := e.registry.Missing(expected, s.spec.Type)
		unexpected := e.registry.Unexpected(expected, s.spec.Type)
		sr := ir.StageReport{
			Type:       s.spec.Type,
			Level:      s.level,
			Expected:   levels[i].Len(),
			Observed:   e.registry.Observed(s.spec.Type).Len(),
			Duplicates: duplicates[norm.NFC.String(s.spec.Type)],
			Missing:    missing.Sorted(),
		}
		if unexpected.Len() > 0 {
			sr.Unexpected = unexpected.Sorted()
		}
		if missing.Len() > 0 || unexpected.Len() > 0 {
			complete = false
		}
		report.Stages = append(report.Stages, sr)
	}
	report.Complete = complete
	report.FinishedAt = e.now()
	return report
}

func (e *Engine) logReport(logger *slog.Logger, r *ir.Report) {
	missing := r.MissingCount()
	if missing == 0 && r.Complete {
		logger.Info("all work observed",
			"duration", r.FinishedAt.Sub(r.StartedAt),
			"delivered", r.Delivery.Delivered,
			"redelivered", r.Delivery.Redelivered)
		return
	}

	logger.Warn("verification failed", "missing_count", missing)
	lost := make(keyspace.Set)
	for _, s := range r.Stages {
		for _, k := range s.Missing {
			lost.Add(k)
		}
	}
	if lost.Len() > 0 {
		logger.Warn("work lost", "origins", strings.Join(lost.Origins().Strings(), ", "))
	}
	for _, s := range r.Stages {
		if len(s.Missing) > 0 {
			keys := make([]string, len(s.Missing))
			for i, k := range s.Missing {
				keys[i] = string(k)
			}
			logger.Warn("missing work",
				"type", s.Type,
				"missing_count", len(s.Missing),
				"keys", strings.Join(keys, ", "))
		}
		if len(s.Unexpected) > 0 {
			logger.Warn("unexpected work", "type", s.Type, "count", len(s.Unexpected))
		}
	}
}
