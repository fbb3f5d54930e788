package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/roach88/fanout/internal/compiler"
	"github.com/roach88/fanout/internal/ir"
)

// LoadError represents an error that occurred while loading a topology.
type LoadError struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Line returns the source line of the error, or 0.
func (e *LoadError) Line() int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

// LoadTopology compiles the topology file at path. An empty path selects
// the built-in pipeline.
func LoadTopology(path string) (ir.Topology, error) {
	if path == "" {
		return compiler.Default(), nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ir.Topology{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("topology file not found: %s", path)}
	}
	if err != nil {
		return ir.Topology{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing topology file: %v", err)}
	}
	if info.IsDir() {
		return ir.Topology{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("topology path is a directory: %s", path)}
	}

	topo, err := compiler.LoadFile(path)
	if err != nil {
		return ir.Topology{}, toLoadError(err, "failed to compile topology")
	}
	return topo, nil
}

// toLoadError converts a compiler error to a LoadError.
func toLoadError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Field:   compileErr.Field,
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeLoadFailed,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeInvalidFlag = "E003" // Invalid flag value
	ErrCodeLoadFailed  = "E004" // Topology load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeStoreFailed = "E006" // Run ledger error
	ErrCodeWriteFailed = "E007" // File write error

	// Topology validation errors
	ErrCodeInvalidStage    = "E101" // Invalid stage definition
	ErrCodeInvalidBatch    = "E102" // Invalid batch options
	ErrCodeInvalidRetry    = "E103" // Invalid retry policy
	ErrCodeInvalidPipeline = "E104" // Structural topology error
	ErrCodeUnknownField    = "E105" // Unknown top-level field
)

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field string) string {
	field = strings.TrimPrefix(field, "pipeline.")
	switch {
	case field == "pipeline":
		return ErrCodeInvalidPipeline
	case strings.Contains(field, ".batch"):
		return ErrCodeInvalidBatch
	case strings.HasPrefix(field, "stages"):
		return ErrCodeInvalidStage
	case strings.HasPrefix(field, "retry"):
		return ErrCodeInvalidRetry
	case field == "name", field == "processes", field == "cue":
		return ErrCodeGeneric
	case !strings.Contains(field, "."):
		return ErrCodeUnknownField
	default:
		return ErrCodeGeneric
	}
}
