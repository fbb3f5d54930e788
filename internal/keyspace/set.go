package keyspace

import (
	"slices"

	"github.com/roach88/fanout/internal/ir"
)

// Set is an unordered collection of work keys.
type Set map[ir.WorkKey]struct{}

// NewSet returns a set holding keys.
func NewSet(keys ...ir.WorkKey) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k and reports whether it was absent.
func (s Set) Add(k ir.WorkKey) bool {
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}
	return true
}

// Has reports whether k is in the set.
func (s Set) Has(k ir.WorkKey) bool {
	_, ok := s[k]
	return ok
}

// Len returns the number of keys.
func (s Set) Len() int {
	return len(s)
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Union returns the keys present in s or other.
func (s Set) Union(other Set) Set {
	out := s.Clone()
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// Difference returns the keys of s absent from other.
func (s Set) Difference(other Set) Set {
	out := make(Set)
	for k := range s {
		if !other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// AtDepth returns the keys of s with the given depth.
func (s Set) AtDepth(depth int) Set {
	out := make(Set)
	for k := range s {
		if k.Depth() == depth {
			out[k] = struct{}{}
		}
	}
	return out
}

// Origins returns the keys of s whose parent is not in s. For a set of
// missing keys these are the points where work was lost; every other key
// is missing because an ancestor is.
func (s Set) Origins() Set {
	out := make(Set)
	for k := range s {
		if parent, ok := k.Parent(); ok && s.Has(parent) {
			continue
		}
		out[k] = struct{}{}
	}
	return out
}

// Sorted returns the keys in natural order ("0-9" before "0-10").
func (s Set) Sorted() []ir.WorkKey {
	keys := make([]ir.WorkKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Compare)
	return keys
}

// Compare orders keys by their numeric segments; a key sorts before its
// descendants.
func Compare(a, b ir.WorkKey) int {
	return ir.CompareKeys(a, b)
}

// Strings returns the sorted keys as plain strings.
func (s Set) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, k := range sorted {
		out[i] = string(k)
	}
	return out
}
