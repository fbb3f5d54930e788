package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/fanout/internal/keyspace"
)

// KeysOptions holds flags for the keys command.
type KeysOptions struct {
	*RootOptions
	Levels bool // group by level, including root keys
}

// KeysResult is the JSON payload of the keys command.
type KeysResult struct {
	Count  int        `json:"count"`
	Keys   []string   `json:"keys,omitempty"`
	Levels [][]string `json:"levels,omitempty"`
}

// NewKeysCommand creates the keys command.
func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeysOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keys <processes> <work> <extra>",
		Short: "Print the expected key space",
		Long: `Print every key a run with the given counts must observe: "i-j" for each
work item and "i-j-k" for each extra item, in natural order.

Examples:
  fanout keys 2 3 1
  fanout keys 2 3 1 --levels
  fanout keys 10 100 1 --format json`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeys(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Levels, "levels", false, "group keys by level, including root keys")
	// A negative count parses as an unknown shorthand flag.
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid arguments (use -- before negative counts)", err)
	})

	return cmd
}

func runKeys(opts *KeysOptions, args []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	counts := make([]int, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			_ = formatter.Error(ErrCodeInvalidFlag, fmt.Sprintf("count %q must be a non-negative integer", arg), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid count %q", arg))
		}
		counts[i] = n
	}

	if !opts.Levels {
		keys := keyspace.Expected(counts[0], counts[1], counts[2]).Strings()
		result := KeysResult{Count: len(keys), Keys: keys}
		return formatter.Success(result, func(w io.Writer) {
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
		})
	}

	levels := keyspace.Levels(counts...)
	result := KeysResult{Levels: make([][]string, len(levels))}
	for i, l := range levels {
		result.Levels[i] = l.Strings()
		result.Count += l.Len()
	}
	return formatter.Success(result, func(w io.Writer) {
		for i, keys := range result.Levels {
			fmt.Fprintf(w, "# level %d (%d keys)\n", i+1, len(keys))
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
		}
	})
}
