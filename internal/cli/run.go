package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/fanout/internal/engine"
	"github.com/roach88/fanout/internal/faults"
	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/metrics"
	"github.com/roach88/fanout/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Topology     string
	Processes    int
	Work         int
	Extra        int
	Window       time.Duration
	DrainTimeout time.Duration
	Database     string
	LogFile      string
	Probe        string
	MetricsAddr  string

	Seed          uint64
	DropRate      float64
	DuplicateRate float64
	Drop          []string
	Duplicate     []string
	Fail          []string

	// RunIDGenerator allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDGenerator engine.RunIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline and verify every key was observed",
		Long: `Seed one root item per process, let every stage batch and fan out its
messages, drain once the pipeline is idle (or the window elapses) and diff
the observed keys against the expected key space.

Exit codes:
  0 - All work observed
  1 - Keys missing or the drain timed out
  2 - Command error (invalid flags, unreadable topology, etc.)

Examples:
  fanout run
  fanout run --processes 5 --work 20 --extra 3
  fanout run --topology ./pipeline.cue --db ./runs.db
  fanout run --drop DoWork:1-2 --fail DoWork:0-0 --probe bus.json
  fanout run --duplicate-rate 0.1 --seed 7 --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Topology, "topology", "", "path to a CUE topology file (default: built-in pipeline)")
	f.IntVar(&opts.Processes, "processes", -1, "number of root processes (default: from topology)")
	f.IntVar(&opts.Work, "work", -1, "work items per process (default: from topology)")
	f.IntVar(&opts.Extra, "extra", -1, "extra items per work item (default: from topology)")
	f.DurationVar(&opts.Window, "window", 0, "drain after this long instead of when idle")
	f.DurationVar(&opts.DrainTimeout, "drain-timeout", engine.DefaultDrainTimeout, "bound on the drain phase")
	f.StringVar(&opts.Database, "db", "", "path to SQLite run ledger (optional)")
	f.StringVar(&opts.LogFile, "log-file", "", "also write logs to this file")
	f.StringVar(&opts.Probe, "probe", "", "write the final bus and stage probe as JSON to this file")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.Uint64Var(&opts.Seed, "seed", 0, "seed for random faults")
	f.Float64Var(&opts.DropRate, "drop-rate", 0, "probability of losing a sent message")
	f.Float64Var(&opts.DuplicateRate, "duplicate-rate", 0, "probability of delivering a sent message twice")
	f.StringArrayVar(&opts.Drop, "drop", nil, "lose the first send of Type:key (repeatable)")
	f.StringArrayVar(&opts.Duplicate, "duplicate", nil, "deliver Type:key twice (repeatable)")
	f.StringArrayVar(&opts.Fail, "fail", nil, "fail the first expansion of Type:key (repeatable)")

	return cmd
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	plan, err := opts.faultPlan()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid fault flags", err)
	}

	topo, err := LoadTopology(opts.Topology)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load topology", err)
	}
	if err := opts.checkCounts(topo); err != nil {
		return err
	}
	topo = topo.WithCounts(opts.Processes, opts.Work, opts.Extra)

	logger, closeLog, err := opts.logger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open log file", err)
	}
	defer closeLog()

	var st *store.Store
	if opts.Database != "" {
		logger.Info("opening run ledger", "path", opts.Database)
		if st, err = store.Open(opts.Database); err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	runIDs := opts.RunIDGenerator
	if runIDs == nil {
		runIDs = engine.UUIDv7Generator{}
	}
	eng, err := engine.New(topo,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithFaults(plan),
		engine.WithRunIDGenerator(runIDs),
		engine.WithWindow(opts.Window),
		engine.WithDrainTimeout(opts.DrainTimeout),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid topology", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.MetricsAddr != "" {
		shutdown, err := serveMetrics(opts.MetricsAddr, reg, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer shutdown()
	}

	logger.Info("pipeline starting",
		"topology", topo.Name,
		"counts", topo.Counts(),
		"window", opts.Window)

	report, runErr := eng.Run(ctx)
	if report == nil {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}

	if opts.Probe != "" {
		if err := writeProbe(opts.Probe, eng.Probe()); err != nil {
			return WrapExitError(ExitCommandError, "failed to write probe", err)
		}
		formatter.VerboseLog("Probe written to %s", opts.Probe)
	}

	if st != nil {
		if err := st.WriteReport(context.WithoutCancel(ctx), report); err != nil {
			return WrapExitError(ExitCommandError, "failed to store report", err)
		}
		formatter.VerboseLog("Report %s stored in %s", report.RunID, opts.Database)
	}

	if err := formatter.Success(report, func(w io.Writer) { writeReport(w, report) }); err != nil {
		return err
	}

	switch {
	case errors.Is(runErr, engine.ErrDrainTimeout):
		return WrapExitError(ExitFailure, "pipeline did not drain", runErr)
	case runErr != nil:
		return WrapExitError(ExitFailure, "engine error", runErr)
	case !report.Complete:
		return NewExitError(ExitFailure, fmt.Sprintf("%d keys missing", report.MissingCount()))
	}
	return nil
}

// logger builds the run logger: text on stderr, teed to the log file when
// one is set.
func (opts *RunOptions) logger(stderr io.Writer) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	w := stderr
	closeFn := func() {}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// checkCounts rejects a count flag aimed at the terminal stage. --work sets
// the fanout of stage 1 and --extra that of stage 2.
func (opts *RunOptions) checkCounts(topo ir.Topology) error {
	flags := []struct {
		name  string
		value int
	}{
		{"work", opts.Work},
		{"extra", opts.Extra},
	}
	for i, f := range flags {
		if f.value < 0 || i < len(topo.Stages)-1 {
			continue
		}
		return NewExitError(ExitCommandError, fmt.Sprintf(
			"--%s needs a topology with at least %d stages, %s has %d",
			f.name, i+2, topo.Name, len(topo.Stages)))
	}
	return nil
}

// faultPlan assembles the fault flags.
func (opts *RunOptions) faultPlan() (faults.Plan, error) {
	plan := faults.Plan{
		Seed:          opts.Seed,
		DropRate:      opts.DropRate,
		DuplicateRate: opts.DuplicateRate,
	}
	for name, rate := range map[string]float64{"drop-rate": opts.DropRate, "duplicate-rate": opts.DuplicateRate} {
		if rate < 0 || rate > 1 {
			return faults.Plan{}, fmt.Errorf("--%s must be within [0, 1], got %v", name, rate)
		}
	}

	var err error
	if plan.DropKeys, err = parseTypedKeys("drop", opts.Drop); err != nil {
		return faults.Plan{}, err
	}
	if plan.DuplicateKeys, err = parseTypedKeys("duplicate", opts.Duplicate); err != nil {
		return faults.Plan{}, err
	}
	if plan.FailKeys, err = parseTypedKeys("fail", opts.Fail); err != nil {
		return faults.Plan{}, err
	}
	return plan, nil
}

// parseTypedKeys parses Type:key flag values into a per-type key list.
func parseTypedKeys(flag string, values []string) (map[string][]ir.WorkKey, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string][]ir.WorkKey)
	for _, v := range values {
		messageType, key, ok := strings.Cut(v, ":")
		if !ok || messageType == "" || key == "" {
			return nil, fmt.Errorf("--%s %q: expected Type:key", flag, v)
		}
		out[messageType] = append(out[messageType], ir.WorkKey(key))
	}
	return out, nil
}

func writeProbe(path string, p engine.Probe) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// serveMetrics serves the registry until the returned shutdown is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
