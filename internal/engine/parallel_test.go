package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func TestParallelForeach_StoresOutcomes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := wf(
		step("fan", schema.StepParallelForeach, `{
			"items": [{"id": "svc-a", "port": 80}, {"id": "svc-b", "port": 81}],
			"item_var": "svc",
			"max_parallel": 2,
			"store_result": "state.results",
			"body": [{"id": "mark", "type": "state_update", "definition": {"path": "state.last_port", "value": "${svc.port}"}}]
		}`),
	)

	id, err := env.engine.Start(ctx, def, nil)
	require.NoError(t, err)

	batch, err := env.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.True(t, batch.Completed)
	require.Len(t, batch.ServerCompletedSteps, 1)
	assert.Equal(t, "fan", batch.ServerCompletedSteps[0].StepID)

	snap, _ := env.engine.ReadState(id)
	results, ok := snap.State["results"].(map[string]any)
	require.True(t, ok, "outcome map stored at store_result")
	require.Len(t, results, 2)
	for _, id := range []string{"svc-a", "svc-b"} {
		entry, ok := results[id].(map[string]any)
		require.True(t, ok, "outcome for %s", id)
		assert.Equal(t, "success", entry["status"])
	}
}

func TestParallelForeach_EmptyItemsSkips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := wf(
		step("fan", schema.StepParallelForeach, `{
			"items": [],
			"body": [{"id": "noop", "type": "state_update", "definition": {"path": "state.n", "value": 1}}]
		}`),
	)

	id, err := env.engine.Start(ctx, def, nil)
	require.NoError(t, err)

	batch, err := env.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.True(t, batch.Completed)
	require.Len(t, batch.ServerCompletedSteps, 1)
	assert.True(t, batch.ServerCompletedSteps[0].Skipped)
}

func TestParallelForeach_ConditionalBodies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := wf(
		step("fan", schema.StepParallelForeach, `{
			"items": [1, 2, 3, 4],
			"store_result": "state.results",
			"body": [{"id": "branch", "type": "conditional", "definition": {
				"condition": "int(item) > 2",
				"then_steps": [{"id": "big", "type": "state_update", "definition": {"path": "state.big_seen", "value": true}}]
			}}]
		}`),
	)

	id, err := env.engine.Start(ctx, def, nil)
	require.NoError(t, err)

	batch, err := env.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.True(t, batch.Completed)

	snap, _ := env.engine.ReadState(id)
	assert.Equal(t, true, snap.State["big_seen"])
	results := snap.State["results"].(map[string]any)
	assert.Len(t, results, 4)
}

func TestParallelForeach_RejectsAgentSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := wf(
		step("fan", schema.StepParallelForeach, `{
			"items": ["a"],
			"body": [{"id": "call", "type": "mcp_call", "definition": {"tool": "health_check"}}]
		}`),
	)

	id, err := env.engine.Start(ctx, def, nil)
	require.NoError(t, err)

	_, err = env.engine.GetNextStep(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the agent")

	status, _ := env.engine.Status(id)
	assert.Equal(t, schema.WorkflowStatusFailed, status)
}

func TestParallelForeach_RejectsNestedLoops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	def := wf(
		step("fan", schema.StepParallelForeach, `{
			"items": ["a"],
			"body": [{"id": "inner", "type": "foreach", "definition": {
				"items": [1],
				"body": [{"id": "noop", "type": "state_update", "definition": {"path": "state.n", "value": 1}}]
			}}]
		}`),
	)

	id, err := env.engine.Start(ctx, def, nil)
	require.NoError(t, err)

	_, err = env.engine.GetNextStep(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed inside parallel_foreach")
}

func TestParallelForeach_ErrorIsolationRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The second item's update targets an invalid path and fails; with the
	// default isolation the other items still succeed.
	def := wf(
		step("fan", schema.StepParallelForeach, `{
			"items": [{"id": "good", "path": "state.a"}, {"id": "bad", "path": "computed.locked"}],
			"item_var": "job",
			"store_result": "state.results",
			"body": [{"id": "write", "type": "state_update", "definition": {"path": "${job.path}", "value": 1}}]
		}`),
	)

	id, err := env.engine.Start(ctx, def, nil)
	require.NoError(t, err)

	batch, err := env.engine.GetNextStep(ctx, id)
	require.NoError(t, err)
	assert.True(t, batch.Completed)

	snap, _ := env.engine.ReadState(id)
	results := snap.State["results"].(map[string]any)
	assert.Equal(t, "success", results["good"].(map[string]any)["status"])
	bad := results["bad"].(map[string]any)
	assert.Equal(t, "failed", bad["status"])
	assert.NotEmpty(t, bad["error"])
}
