package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/fanout/internal/engine"
	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/store"
	"github.com/roach88/fanout/internal/testutil"
)

// DefaultDrainTimeout bounds the drain phase of a scenario run.
const DefaultDrainTimeout = 10 * time.Second

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Compile the topology and apply the scenario's overrides
// 2. Run the engine with a fixed run ID until it verifies
// 3. Persist the report in a fresh in-memory ledger and read it back
// 4. Evaluate the assertions against the stored report
//
// A drain timeout fails the scenario but still evaluates the assertions.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	topo, err := scenario.topology()
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}

	eng, err := engine.New(topo,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithRunIDGenerator(testutil.NewFixedRunIDGenerator(scenario.runID())),
		engine.WithFaults(scenario.Faults),
		engine.WithWindow(scenario.window()),
		engine.WithDrainTimeout(DefaultDrainTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	result := NewResult()

	report, err := eng.Run(ctx)
	switch {
	case errors.Is(err, engine.ErrDrainTimeout):
		result.AddError(err.Error())
	case err != nil:
		return nil, fmt.Errorf("failed to run scenario: %w", err)
	}

	stored, err := persist(ctx, report)
	if err != nil {
		return nil, err
	}
	result.Report = stored

	for _, msg := range EvaluateAssertions(stored, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// persist writes report to an in-memory ledger and returns the copy read
// back from it.
func persist(ctx context.Context, report *ir.Report) (*ir.Report, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	if err := st.WriteReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to store report: %w", err)
	}
	stored, err := st.ReadReport(ctx, report.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return stored, nil
}
