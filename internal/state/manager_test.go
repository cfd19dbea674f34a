package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/pkg/schema"
)

func newManager(t *testing.T) (*Manager, *ContextRegistry) {
	t.Helper()
	contexts := NewContextRegistry()
	return NewManager(transform.NewTransformer(), contexts, nil), contexts
}

func TestManager_CreateSeedsTiersAndCascades(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		Inputs: map[string]any{"rate": 2, "label": "default"},
		State:  map[string]any{"count": 10},
		Computed: []schema.ComputedField{
			{Name: "scaled", FromPaths: []string{"state.count", "inputs.rate"}, Transform: "input[0] * input[1]"},
		},
	}

	err := m.Create(context.Background(), "wf1", def, map[string]any{"label": "run-a"})
	require.NoError(t, err)

	snap, err := m.Read("wf1")
	require.NoError(t, err)
	assert.Equal(t, "run-a", snap.Inputs["label"]) // caller overlays default
	assert.Equal(t, 2, snap.Inputs["rate"])
	assert.Equal(t, 10, snap.State["count"])
	assert.Equal(t, 20, snap.Computed["scaled"])
}

func TestManager_CreateRejectsCyclicComputed(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		Computed: []schema.ComputedField{
			{Name: "a", FromPaths: []string{"computed.b"}, Transform: "input"},
			{Name: "b", FromPaths: []string{"computed.a"}, Transform: "input"},
		},
	}
	err := m.Create(context.Background(), "wf1", def, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.AsRelayError(err, "").Code)
}

func TestManager_UpdateRecomputesDependents(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		State: map[string]any{"count": 1},
		Computed: []schema.ComputedField{
			{Name: "doubled", FromPaths: []string{"state.count"}, Transform: "input * 2"},
			{Name: "quadrupled", FromPaths: []string{"computed.doubled"}, Transform: "input * 2"},
		},
	}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	snap, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.count", Value: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, snap.State["count"])
	assert.Equal(t, 10, snap.Computed["doubled"])
	assert.Equal(t, 20, snap.Computed["quadrupled"]) // transitive recompute
}

func TestManager_UpdateSkipsUnaffectedFields(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		State: map[string]any{"a": 1, "b": 1},
		Computed: []schema.ComputedField{
			{Name: "from_a", FromPaths: []string{"state.a"}, Transform: "input * 10"},
			{Name: "from_b", FromPaths: []string{"state.b"}, Transform: "input * 10"},
		},
	}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	snap, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.a", Value: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 70, snap.Computed["from_a"])
	assert.Equal(t, 10, snap.Computed["from_b"]) // untouched
}

func TestManager_Operations(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{State: map[string]any{"n": 10, "tag": "x"}}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	snap, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.n", Operation: schema.OpIncrement, Value: 5},
		{Path: "state.missing", Operation: schema.OpIncrement}, // 0 + default 1
		{Path: "state.tags", Operation: schema.OpAppend, Value: "a"},
		{Path: "state.tags", Operation: schema.OpAppend, Value: "b"},
		{Path: "state.tag", Operation: schema.OpAppend, Value: "y"}, // scalar becomes list
	})
	require.NoError(t, err)
	assert.Equal(t, 15.0, snap.State["n"])
	assert.Equal(t, 1.0, snap.State["missing"])
	assert.Equal(t, []any{"a", "b"}, snap.State["tags"])
	assert.Equal(t, []any{"x", "y"}, snap.State["tag"])
}

func TestManager_RejectedBatchChangesNothing(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{State: map[string]any{"count": 1}}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	_, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.count", Value: 99},
		{Path: "computed.total", Value: 1}, // invalid tier rejects the batch
	})
	require.Error(t, err)

	snap, rerr := m.Read("wf1")
	require.NoError(t, rerr)
	assert.Equal(t, 1, snap.State["count"]) // first update not applied either
}

func TestManager_UnknownOperationNamedInError(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create(context.Background(), "wf1", &schema.WorkflowDefinition{}, nil))

	_, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.x", Operation: "divide", Value: 2},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divide")
}

func TestManager_CascadeFailurePropagateRejectsBatch(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		State: map[string]any{"n": 1},
		Computed: []schema.ComputedField{
			// Math.sqrt rejects non-numeric input; on_error defaults to propagate.
			{Name: "root", FromPaths: []string{"state.n"}, Transform: "Math.sqrt(input)"},
		},
	}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	_, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.n", Value: "not-a-number"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransform, schema.AsRelayError(err, "").Code)

	snap, rerr := m.Read("wf1")
	require.NoError(t, rerr)
	assert.Equal(t, 1, snap.State["n"]) // write rolled back with the cascade
	assert.Equal(t, 1.0, snap.Computed["root"])
}

func TestManager_CascadeFallbackPolicy(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		State: map[string]any{"n": 4},
		Computed: []schema.ComputedField{
			{Name: "root", FromPaths: []string{"state.n"}, Transform: "Math.sqrt(input)",
				OnError: schema.OnErrorUseFallback, Fallback: -1.0},
		},
	}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	snap, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.n", Value: "bad"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bad", snap.State["n"])
	assert.Equal(t, -1.0, snap.Computed["root"])
}

func TestManager_CascadeIgnorePolicyKeepsPreviousValue(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{
		State: map[string]any{"n": 9},
		Computed: []schema.ComputedField{
			{Name: "root", FromPaths: []string{"state.n"}, Transform: "Math.sqrt(input)",
				OnError: schema.OnErrorIgnore},
		},
	}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	snap, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "state.n", Value: "bad"},
	})
	require.NoError(t, err)
	assert.Equal(t, "bad", snap.State["n"])
	assert.Equal(t, 3.0, snap.Computed["root"]) // stale but kept
}

func TestManager_GlobalUpdatesGoThroughContext(t *testing.T) {
	m, contexts := newManager(t)
	_, err := contexts.Create("wf1")
	require.NoError(t, err)
	require.NoError(t, m.Create(context.Background(), "wf1", &schema.WorkflowDefinition{}, nil))

	_, err = m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "global.run_label", Value: "batch-7"},
	})
	require.NoError(t, err)

	ec := contexts.Get("wf1")
	require.NotNil(t, ec)
	got, ok := ec.Get("run_label")
	require.True(t, ok)
	assert.Equal(t, "batch-7", got)
}

func TestManager_GlobalUpdateWithoutContextFails(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create(context.Background(), "wf1", &schema.WorkflowDefinition{}, nil))

	_, err := m.Update(context.Background(), "wf1", []schema.StateUpdate{
		{Path: "global.x", Value: 1},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsRelayError(err, "").Code)
}

func TestManager_ReadIsIsolatedCopy(t *testing.T) {
	m, _ := newManager(t)
	def := &schema.WorkflowDefinition{State: map[string]any{"user": map[string]any{"name": "ada"}}}
	require.NoError(t, m.Create(context.Background(), "wf1", def, nil))

	snap, err := m.Read("wf1")
	require.NoError(t, err)
	snap.State["user"].(map[string]any)["name"] = "mutated"

	again, err := m.Read("wf1")
	require.NoError(t, err)
	assert.Equal(t, "ada", again.State["user"].(map[string]any)["name"])
}

func TestManager_DropAndNotFound(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create(context.Background(), "wf1", &schema.WorkflowDefinition{}, nil))

	m.Drop("wf1")
	_, err := m.Read("wf1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsRelayError(err, "").Code)
}
