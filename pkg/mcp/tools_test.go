package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/dispatch"
	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/pending"
	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/internal/steps"
	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

func newServer(t *testing.T) *RelayServer {
	t.Helper()

	cond, err := transform.NewConditionEngine()
	require.NoError(t, err)
	contexts := state.NewContextRegistry()
	reg, err := pending.NewRegistry(100, nil)
	require.NoError(t, err)

	eng, err := engine.New(engine.Deps{
		State:      state.NewManager(transform.NewTransformer(), contexts, nil),
		Contexts:   contexts,
		Steps:      steps.NewRegistry(),
		Conditions: cond,
		Pending:    reg,
		Dispatcher: dispatch.NewDispatcher(contexts, nil),
	})
	require.NoError(t, err)

	validator, err := validation.NewWorkflowValidator()
	require.NoError(t, err)

	return NewRelayServer(RelayServerDeps{Engine: eng, Validator: validator})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	return mcp.GetTextFromContent(res.Content[0])
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, "tool result: %+v", res.Content)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(extractText(t, res)), &out))
	return out
}

func startWorkflow(t *testing.T, s *RelayServer, steps []map[string]any) string {
	t.Helper()
	res, err := s.handleStart(context.Background(), buildRequest("relay.start", map[string]any{
		"definition": map[string]any{"name": "test", "steps": steps},
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	id, _ := out["workflow_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestStartTool_InlineDefinition(t *testing.T) {
	s := newServer(t)

	id := startWorkflow(t, s, []map[string]any{
		{"id": "s1", "type": "state_update", "definition": map[string]any{"path": "state.n", "value": 1}},
	})

	res, err := s.handleStatus(context.Background(), buildRequest("relay.status", map[string]any{
		"workflow_id": id,
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, "pending", out["status"])
}

func TestStartTool_InvalidDefinitionReturnsIssues(t *testing.T) {
	s := newServer(t)

	res, err := s.handleStart(context.Background(), buildRequest("relay.start", map[string]any{
		"definition": map[string]any{
			"name":  "bad",
			"steps": []map[string]any{{"id": "s1", "type": "mcp_call", "definition": map[string]any{}}},
		},
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, false, out["valid"])
	assert.NotEmpty(t, out["errors"])
}

func TestStartTool_MissingDefinition(t *testing.T) {
	s := newServer(t)

	res, err := s.handleStart(context.Background(), buildRequest("relay.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNextAndCompleteTools(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	id := startWorkflow(t, s, []map[string]any{
		{"id": "call", "type": "mcp_call", "definition": map[string]any{
			"tool": "deploy", "store_result": "state.out",
		}},
	})

	res, err := s.handleNext(ctx, buildRequest("relay.next", map[string]any{"workflow_id": id}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	batchSteps, _ := out["steps"].([]any)
	require.Len(t, batchSteps, 1)

	res, err = s.handleComplete(ctx, buildRequest("relay.complete", map[string]any{
		"workflow_id": id,
		"step_id":     "call",
		"result":      map[string]any{"ok": true},
	}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	assert.Equal(t, true, out["ok"])

	res, err = s.handleNext(ctx, buildRequest("relay.next", map[string]any{"workflow_id": id}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	assert.Equal(t, true, out["completed"])

	res, err = s.handleReadState(ctx, buildRequest("relay.read_state", map[string]any{"workflow_id": id}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	stateTier, _ := out["state"].(map[string]any)
	assert.Equal(t, map[string]any{"ok": true}, stateTier["out"])
}

func TestCompleteTool_WrongStepIsStructuredError(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	id := startWorkflow(t, s, []map[string]any{
		{"id": "call", "type": "mcp_call", "definition": map[string]any{"tool": "t"}},
	})
	_, err := s.handleNext(ctx, buildRequest("relay.next", map[string]any{"workflow_id": id}))
	require.NoError(t, err)

	res, err := s.handleComplete(ctx, buildRequest("relay.complete", map[string]any{
		"workflow_id": id,
		"step_id":     "wrong",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	var rerr schema.RelayError
	require.NoError(t, json.Unmarshal([]byte(extractText(t, res)), &rerr))
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestUpdateStateTool(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	id := startWorkflow(t, s, []map[string]any{
		{"id": "call", "type": "mcp_call", "definition": map[string]any{"tool": "t"}},
	})

	res, err := s.handleUpdateState(ctx, buildRequest("relay.update_state", map[string]any{
		"workflow_id": id,
		"updates": []any{
			map[string]any{"path": "state.count", "value": 5},
		},
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	stateTier, _ := out["state"].(map[string]any)
	assert.Equal(t, float64(5), stateTier["count"])

	res, err = s.handleUpdateState(ctx, buildRequest("relay.update_state", map[string]any{
		"workflow_id": id,
		"updates":     []any{},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTools_RequireWorkflowID(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	for name, handler := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"next":       s.handleNext,
		"read_state": s.handleReadState,
		"status":     s.handleStatus,
	} {
		res, err := handler(ctx, buildRequest(name, map[string]any{}))
		require.NoError(t, err, name)
		assert.True(t, res.IsError, name)
	}
}
