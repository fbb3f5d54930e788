package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/keyspace"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid        bool              `json:"valid"`
	Topology     *ir.Topology      `json:"topology,omitempty"`
	Hash         string            `json:"hash,omitempty"`
	ExpectedKeys int               `json:"expected_keys,omitempty"`
	Errors       []ValidationError `json:"errors,omitempty"`
}

// ValidationError describes one topology error.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <topology.cue>",
		Short: "Compile a topology file and summarise it",
		Long: `Compile a CUE topology file against the built-in schema and print the
resulting pipeline with every default filled in.

Exit codes:
  0 - Topology is valid
  1 - Topology is invalid
  2 - File not found`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("Compiling %s", path)
	topo, err := LoadTopology(path)
	if err != nil {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			loadErr = &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
		}
		if loadErr.Code == ErrCodeNotFound {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, loadErr.Message)
		}
		return outputValidationErrors(formatter, []ValidationError{{
			Code:    loadErr.Code,
			Field:   loadErr.Field,
			Message: loadErr.Message,
			Line:    loadErr.Line(),
		}})
	}

	hash, err := ir.TopologyHash(topo)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to hash topology", err)
	}
	expected := 0
	for _, l := range keyspace.Levels(topo.Counts()...) {
		expected += l.Len()
	}

	result := ValidationResult{
		Valid:        true,
		Topology:     &topo,
		Hash:         hash,
		ExpectedKeys: expected,
	}
	return formatter.Success(result, func(w io.Writer) {
		writeTopology(w, topo, hash, expected)
	})
}

func writeTopology(w io.Writer, topo ir.Topology, hash string, expected int) {
	fmt.Fprintf(w, "✓ Topology %s is valid\n", topo.Name)
	fmt.Fprintf(w, "  hash:      %s\n", hash)
	fmt.Fprintf(w, "  processes: %d\n", topo.ProcessCount)
	fmt.Fprintf(w, "  counts:    %v (%d expected keys)\n", topo.Counts(), expected)
	fmt.Fprintf(w, "  retry:     %s, limit %d", topo.Retry.Mode, topo.Retry.Limit)
	if topo.Retry.Mode == ir.RetryExponential {
		fmt.Fprintf(w, ", interval %s, max %s", topo.Retry.Interval, topo.Retry.MaxInterval)
	}
	fmt.Fprintln(w)
	for i, s := range topo.Stages {
		next := topo.ChildType(i)
		if next == "" {
			next = "(terminal)"
		}
		b := s.Batch
		fmt.Fprintf(w, "  stage %d: %s -> %s x%d\n", i+1, s.Type, next, s.Fanout)
		fmt.Fprintf(w, "    batch: %d messages / %s, concurrency %d, prefetch %d\n",
			b.MessageLimit, b.TimeLimit, b.ConcurrencyLimit, b.PrefetchCount)
		if s.Delay > 0 || s.Outbox {
			fmt.Fprintf(w, "    delay %s, outbox %t\n", s.Delay, s.Outbox)
		}
	}
}

// outputValidationErrors outputs validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		_ = formatter.Error(errs[0].Code, "validation failed", ValidationResult{Valid: false, Errors: errs})
	} else {
		w := formatter.Writer
		fmt.Fprintf(w, "✗ Validation failed with %d error(s):\n", len(errs))
		for _, e := range errs {
			if e.Line > 0 {
				fmt.Fprintf(w, "  [%s] %s (line %d): %s\n", e.Code, e.Field, e.Line, e.Message)
			} else {
				fmt.Fprintf(w, "  [%s] %s: %s\n", e.Code, e.Field, e.Message)
			}
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
