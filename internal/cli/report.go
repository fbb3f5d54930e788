package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fanout/internal/store"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Database string
	RunID    string
	Limit    int
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "List stored runs or show one report",
		Long: `Read verification reports from the run ledger written by "fanout run --db".

Without --run, lists the most recent runs. With --run, prints that run's
report including its missing keys.

Examples:
  fanout report --db ./runs.db
  fanout report --db ./runs.db --run 0193a5b0-7c1e-7000-8000-000000000001
  fanout report --db ./runs.db --limit 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run ledger (required)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "show the report of this run")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list (0 lists all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReport(opts *ReportOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Opening would create an empty ledger.
	if _, err := os.Stat(opts.Database); os.IsNotExist(err) {
		msg := fmt.Sprintf("database not found: %s", opts.Database)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeStoreFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()

	if opts.RunID != "" {
		report, err := st.ReadReport(ctx, opts.RunID)
		if errors.Is(err, store.ErrNotFound) {
			msg := fmt.Sprintf("run not found: %s", opts.RunID)
			_ = formatter.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read report", err)
		}
		return formatter.Success(report, func(w io.Writer) { writeReport(w, report) })
	}

	runs, err := st.ListRuns(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	return formatter.Success(runs, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs recorded.")
			return
		}
		for _, r := range runs {
			status := "complete"
			switch {
			case !r.Drained:
				status = "not drained"
			case !r.Complete:
				status = fmt.Sprintf("%d missing", r.MissingCount)
			}
			fmt.Fprintf(w, "%s  %s  %-12s  %s\n", r.StartedAt, r.RunID, r.Topology, status)
		}
	})
}
