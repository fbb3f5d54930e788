// Package engine drives a fan-out pipeline run from seeding to
// verification.
//
// LIFECYCLE:
//
//	Idle -> Seeding -> Running -> Draining -> Verified -> Stopped
//
// with the extra edges Seeding -> Draining (seeding aborted),
// Draining -> Stopped (drain timeout) and Idle -> Stopped (setup failed).
// Any other edge is rejected with an INVALID_TRANSITION RuntimeError.
//
// Seeding sends one root item per process to the first stage. Each stage
// is a bus endpoint feeding a batch accumulator whose handler expands the
// batch into the next stage and records the batch's keys in the shared
// completion registry.
//
// Draining starts on context cancellation, after the observation window,
// or once nothing is in flight. The driver force-flushes every accumulator
// until the bus reports no unacknowledged message, then closes the bus and
// the accumulators.
//
// Verification diffs the registry against the key space generated from
// the topology's counts and produces an ir.Report. Missing keys are a
// finding, never an error.
package engine
