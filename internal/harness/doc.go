// Package harness runs pipeline scenarios and checks their verification
// reports.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: lost_work
//	description: "A dropped DoWork message is reported with its subtree"
//	topology: topologies/demo.cue   # optional, defaults to the built-in pipeline
//	processes: 2
//	work: 3
//	extra: 2
//	batch:
//	  message_limit: 4
//	  time_limit: 5ms
//	retry:
//	  mode: immediate
//	  limit: 1
//	faults:
//	  drop_keys:
//	    DoWork: ["1-2"]
//	assertions:
//	  - type: complete
//	    expect: false
//	  - type: missing_keys
//	    stage: DoWork
//	    keys: ["1-2"]
//
// # Assertion Types
//
//   - complete: the run did (or, with expect: false, did not) observe every key
//   - missing_count: exact number of missing keys across all stages
//   - missing_keys: exact missing keys of one stage
//   - observed_count: exact number of distinct keys one stage recorded
//   - duplicates_at_least: lower bound on duplicate deliveries of one stage
//
// # Deterministic Testing
//
// Every scenario runs with a fixed run ID and a private in-memory ledger.
// Assertions are evaluated against the report read back from the ledger, so
// they also cover its persistence. Golden snapshots keep only the parts of a
// report that do not depend on scheduling: counts, expected and observed
// totals and missing keys.
package harness
