package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fanout/internal/ir"
)

func keysOf(items []ir.WorkItem) []ir.WorkKey {
	out := make([]ir.WorkKey, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func TestExpand_Order(t *testing.T) {
	parents := []ir.WorkItem{
		ir.NewWorkItem("DoWork", "1-0", nil),
		ir.NewWorkItem("DoWork", "0-2", nil),
	}

	got := Expand(parents, "DoSomeExtraWork", 2)
	assert.Equal(t, []ir.WorkKey{"1-0-0", "1-0-1", "0-2-0", "0-2-1"}, keysOf(got))
	for _, it := range got {
		assert.Equal(t, "DoSomeExtraWork", it.Type)
		assert.Equal(t, ir.MustMessageID("DoSomeExtraWork", it.Key), it.ID)
	}
	assert.Equal(t, ir.IRObject{"parent": ir.IRString("0-2"), "index": ir.IRInt(1)}, got[3].Payload)
}

func TestExpand_Derivation(t *testing.T) {
	got := Expand([]ir.WorkItem{ir.NewWorkItem("DoWork", "2-5", nil)}, "DoSomeExtraWork", 3)
	assert.Equal(t, []ir.WorkKey{"2-5-0", "2-5-1", "2-5-2"}, keysOf(got))

	again := Expand([]ir.WorkItem{ir.NewWorkItem("DoWork", "2-5", nil)}, "DoSomeExtraWork", 3)
	assert.Equal(t, got, again, "children are a pure function of parent and index")
}

func TestExpand_Terminal(t *testing.T) {
	parents := []ir.WorkItem{ir.NewWorkItem("DoSomeExtraWork", "0-0-0", nil)}
	assert.Empty(t, Expand(parents, "Next", 0))
	assert.Empty(t, Expand(parents, "Next", -1))
	assert.Empty(t, Expand(nil, "Next", 3))
}

func TestSeeds(t *testing.T) {
	got := Seeds("InitProcess", 3)
	require.Len(t, got, 3)
	assert.Equal(t, []ir.WorkKey{"0", "1", "2"}, keysOf(got))
	assert.Equal(t, ir.IRObject{"process": ir.IRInt(2)}, got[2].Payload)

	assert.Empty(t, Seeds("InitProcess", 0))
}
