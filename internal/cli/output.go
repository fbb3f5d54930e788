package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/fanout/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Run or scenario failure (missing keys, failed assertions)
	ExitCommandError = 2 // Command error (invalid flags, missing files, etc.)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs data in the configured format. In text mode text renders
// it; a nil text prints data with fmt.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text != nil {
		text(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// maxListedKeys caps the missing keys printed per stage in text mode.
const maxListedKeys = 20

// writeReport renders a verification report as text.
func writeReport(w io.Writer, r *ir.Report) {
	fmt.Fprintf(w, "Run %s (topology %s, counts %v)\n", r.RunID, r.Topology, r.Counts)
	for _, s := range r.Stages {
		fmt.Fprintf(w, "  %-20s level %d  observed %d/%d  duplicates %d  missing %d\n",
			s.Type, s.Level, s.Observed, s.Expected, s.Duplicates, len(s.Missing))
		if len(s.Missing) > 0 {
			fmt.Fprintf(w, "    missing: %s\n", joinKeys(s.Missing, maxListedKeys))
		}
		if len(s.Unexpected) > 0 {
			fmt.Fprintf(w, "    unexpected: %s\n", joinKeys(s.Unexpected, maxListedKeys))
		}
	}
	d := r.Delivery
	fmt.Fprintf(w, "  delivery: sent %d, delivered %d, redelivered %d, duplicated %d, dropped %d, dead-lettered %d\n",
		d.Sent, d.Delivered, d.Redelivered, d.Duplicated, d.Dropped, d.DeadLettered)
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  duration: %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}

	switch {
	case r.Complete:
		fmt.Fprintln(w, "✓ All work observed")
	case !r.Drained:
		fmt.Fprintf(w, "✗ Not drained, %d keys missing\n", r.MissingCount())
	default:
		fmt.Fprintf(w, "✗ %d keys missing\n", r.MissingCount())
	}
}

func joinKeys(keys []ir.WorkKey, limit int) string {
	n := min(len(keys), limit)
	parts := make([]string, n)
	for i := range n {
		parts[i] = string(keys[i])
	}
	s := strings.Join(parts, ", ")
	if len(keys) > limit {
		s += fmt.Sprintf(" (+%d more)", len(keys)-limit)
	}
	return s
}
