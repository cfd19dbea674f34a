package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRegistry_Lifecycle(t *testing.T) {
	r := NewContextRegistry()

	ec, err := r.Create("wf1")
	require.NoError(t, err)
	require.NotNil(t, ec)
	assert.Equal(t, 1, r.Count())

	_, err = r.Create("wf1")
	require.Error(t, err) // duplicate

	assert.Same(t, ec, r.Get("wf1"))
	assert.Nil(t, r.Get("other"))

	r.Remove("wf1")
	assert.Nil(t, r.Get("wf1"))
	assert.Equal(t, 0, r.Count())
}

func TestExecutionContext_SnapshotIsolation(t *testing.T) {
	ec := NewExecutionContext("wf1")
	ec.Set("k", map[string]any{"nested": 1})

	snap := ec.Snapshot()
	snap["k"].(map[string]any)["nested"] = 99

	got, ok := ec.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, got.(map[string]any)["nested"])
}

func TestExecutionContext_ReplaceCommitsBatch(t *testing.T) {
	ec := NewExecutionContext("wf1")
	ec.Set("old", true)

	ec.Replace(map[string]any{"new": 1})

	_, ok := ec.Get("old")
	assert.False(t, ok)
	got, ok := ec.Get("new")
	require.True(t, ok)
	assert.Equal(t, 1, got)
}
