// Package ir provides the shared types of the fan-out pipeline: work keys,
// work items, batch and stage options, topologies and verification reports.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in payloads - use int64 for numbers
//   - Durations travel as time.Duration in Go and as integer milliseconds
//     in canonical JSON
//   - All JSON tags use snake_case
package ir
