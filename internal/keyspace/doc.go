// Package keyspace generates the expected work keys of a fan-out run.
//
// A run with counts (p, w, e) seeds p processes, fans each out into w work
// items and each work item into e extra items. The expected keys at every
// level are a pure function of those counts, which is what lets the
// completion tracker compute an exact missing-key diff.
package keyspace
