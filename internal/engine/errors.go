package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrDrainTimeout is returned by Run when the pipeline still had messages
// in flight when the drain timeout expired.
var ErrDrainTimeout = errors.New("drain timeout")

// RuntimeError represents an error detected while driving a run.
//
// Runtime errors include:
//   - Invalid transition: the driver was asked to move between two states
//     the lifecycle does not connect
//   - Drain timeout: messages were still in flight when draining gave up
//   - Invalid topology: the topology failed validation
//   - Seed failed: a root item could not be sent
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run, if one was started.
	RunID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidTransition indicates a lifecycle edge that does not exist.
	ErrCodeInvalidTransition RuntimeErrorCode = "INVALID_TRANSITION"

	// ErrCodeDrainTimeout indicates messages were still in flight after draining.
	ErrCodeDrainTimeout RuntimeErrorCode = "DRAIN_TIMEOUT"

	// ErrCodeInvalidTopology indicates the topology failed validation.
	ErrCodeInvalidTopology RuntimeErrorCode = "INVALID_TOPOLOGY"

	// ErrCodeSeedFailed indicates a root item could not be sent.
	ErrCodeSeedFailed RuntimeErrorCode = "SEED_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsTransitionError returns true if the error is an invalid transition.
// Uses errors.As to handle wrapped errors.
func IsTransitionError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeInvalidTransition
	}
	return false
}

// NewTransitionError creates a RuntimeError for a rejected state change.
func NewTransitionError(runID string, from, to State) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
		RunID:   runID,
		Details: map[string]string{
			"from": string(from),
			"to":   string(to),
		},
	}
}

// NewDrainTimeoutError creates a RuntimeError wrapping ErrDrainTimeout.
func NewDrainTimeoutError(runID string, timeout time.Duration, inFlight int64) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDrainTimeout,
		Message: fmt.Sprintf("%d messages still in flight after %s", inFlight, timeout),
		RunID:   runID,
		Details: map[string]string{
			"timeout":   timeout.String(),
			"in_flight": fmt.Sprintf("%d", inFlight),
		},
		Err: ErrDrainTimeout,
	}
}
