// Package store provides the SQLite-backed run ledger.
//
// The ledger keeps the verification report of every run:
//   - runs: one row per run with its outcome and delivery statistics
//   - run_stages: per-stage expected/observed/duplicate counts
//   - missing_keys: the exact keys a stage never observed
//
// Tracker state itself is never persisted; a run's registry lives and
// dies with the process.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// JSON columns hold RFC 8785 canonical JSON produced by internal/ir.
package store
