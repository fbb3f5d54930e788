package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageIDDeterminism(t *testing.T) {
	id1, err := MessageID("DoWork", "0-1")
	require.NoError(t, err)
	id2, err := MessageID("DoWork", "0-1")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestMessageIDChangesWithInput(t *testing.T) {
	base := MustMessageID("DoWork", "0-1")

	assert.NotEqual(t, base, MustMessageID("DoWork", "0-2"))
	assert.NotEqual(t, base, MustMessageID("DoSomeExtraWork", "0-1"))
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"key":"0"}`)
	assert.NotEqual(t, hashWithDomain(DomainMessage, data), hashWithDomain(DomainTopology, data))
}

func TestTopologyHash(t *testing.T) {
	topo := Topology{
		Name:         "demo",
		ProcessCount: 3,
		Stages: []StageSpec{
			{Type: "InitProcess", Fanout: 4, Batch: DefaultBatchOptions()},
			{Type: "DoWork", Batch: DefaultBatchOptions()},
		},
		Retry: RetrySpec{Mode: RetryImmediate, Limit: 1},
	}

	h1, err := TopologyHash(topo)
	require.NoError(t, err)
	h2, err := TopologyHash(topo.WithCounts(3))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	changed := topo.WithCounts(3, 5)
	h3, err := TopologyHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	slower := topo.WithCounts(-1)
	slower.Stages[1].Batch.TimeLimit = time.Second
	h4, err := TopologyHash(slower)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}
