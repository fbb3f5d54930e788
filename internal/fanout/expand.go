// Package fanout expands released batches into child work items and hands
// them to the next stage.
//
// A stage settles its batch as a unit: either every child was sent and
// every parent key recorded before the deliveries are acknowledged, or the
// whole batch is nacked and redelivered. Children are a pure function of
// the parent key and their index, so a re-expanded parent re-emits the
// same children and the tracker absorbs them.
package fanout

import "github.com/roach88/fanout/internal/ir"

// Seeds returns one root item per process, keys "0" through "p-1".
func Seeds(messageType string, processCount int) []ir.WorkItem {
	if processCount <= 0 {
		return nil
	}
	out := make([]ir.WorkItem, 0, processCount)
	for i := range processCount {
		out = append(out, ir.NewWorkItem(messageType, ir.RootKey(i), ir.IRObject{
			"process": ir.IRInt(i),
		}))
	}
	return out
}

// Expand emits n children of childType for every parent, in parent order
// and then index order. n <= 0 emits nothing.
func Expand(parents []ir.WorkItem, childType string, n int) []ir.WorkItem {
	if n <= 0 || len(parents) == 0 {
		return nil
	}
	out := make([]ir.WorkItem, 0, len(parents)*n)
	for _, p := range parents {
		out = append(out, children(p, childType, n)...)
	}
	return out
}

func children(parent ir.WorkItem, childType string, n int) []ir.WorkItem {
	if n <= 0 {
		return nil
	}
	out := make([]ir.WorkItem, 0, n)
	for i := range n {
		out = append(out, ir.NewWorkItem(childType, parent.Key.Child(i), ir.IRObject{
			"parent": ir.IRString(parent.Key),
			"index":  ir.IRInt(i),
		}))
	}
	return out
}
