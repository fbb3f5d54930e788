package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRObjectSortedKeys(t *testing.T) {
	obj := IRObject{"index": IRInt(1), "parent": IRString("0"), "attempt": IRInt(2)}
	assert.Equal(t, []string{"attempt", "index", "parent"}, obj.SortedKeys())
}

func TestIRObjectMarshalJSON(t *testing.T) {
	obj := IRObject{
		"parent": IRString("0-1"),
		"index":  IRInt(2),
		"tags":   IRArray{IRString("a"), IRBool(true)},
	}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"index":2,"parent":"0-1","tags":["a",true]}`, string(data))
}

func TestWorkItemJSONOmitsEmptyPayload(t *testing.T) {
	item := NewWorkItem("DoWork", "0-1", nil)

	data, err := json.Marshal(item)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")
	assert.Contains(t, string(data), `"key":"0-1"`)
}
