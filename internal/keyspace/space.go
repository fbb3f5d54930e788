package keyspace

import (
	"github.com/roach88/fanout/internal/ir"
)

// Levels returns the expected keys of every tree level for the given
// fan-out counts. Levels(p, w, e) yields the p root keys, the p*w work keys
// and the p*w*e extra keys.
//
// A negative count anywhere makes every level empty. A zero count empties
// its level and all levels below it.
func Levels(counts ...int) []Set {
	levels := make([]Set, len(counts))
	for i := range levels {
		levels[i] = make(Set)
	}
	for _, n := range counts {
		if n < 0 {
			return levels
		}
	}
	if len(counts) == 0 {
		return levels
	}

	parents := make([]ir.WorkKey, 0, counts[0])
	for i := range counts[0] {
		k := ir.RootKey(i)
		levels[0][k] = struct{}{}
		parents = append(parents, k)
	}
	for depth := 1; depth < len(counts); depth++ {
		n := counts[depth]
		children := make([]ir.WorkKey, 0, len(parents)*n)
		for _, p := range parents {
			for j := range n {
				k := p.Child(j)
				levels[depth][k] = struct{}{}
				children = append(children, k)
			}
		}
		parents = children
	}
	return levels
}

// Expected returns every key a (processCount, workPerProcess,
// extraPerProcess) run must observe: "i-j" for each work item and "i-j-k"
// for each extra item. Root keys are not part of the result.
func Expected(processCount, workPerProcess, extraPerProcess int) Set {
	levels := Levels(processCount, workPerProcess, extraPerProcess)
	return levels[1].Union(levels[2])
}
