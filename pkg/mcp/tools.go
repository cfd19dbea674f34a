package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/relay/pkg/schema"
)

// handleStart creates a workflow instance from an inline definition or a
// definition file, validating it first.
func (s *RelayServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	var def *schema.WorkflowDefinition
	if path := req.GetString("definition_path", ""); path != "" {
		loaded, err := s.loader.Load(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load definition failed: %v", err)), nil
		}
		def = loaded
	} else {
		defRaw := mcp.ParseStringMap(req, "definition", nil)
		if defRaw == nil {
			return mcp.NewToolResultError("either definition or definition_path is required"), nil
		}
		defBytes, err := json.Marshal(defRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		var parsed schema.WorkflowDefinition
		if err := json.Unmarshal(defBytes, &parsed); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		def = &parsed
	}

	if s.validator != nil {
		if result := s.validator.Validate(def); !result.Valid() {
			return marshalResult(map[string]any{
				"valid":    false,
				"errors":   result.Errors,
				"warnings": result.Warnings,
			})
		}
	}

	id, err := s.engine.Start(ctx, def, inputs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow start failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": id,
		"status":      schema.WorkflowStatusPending,
	})
}

// handleNext advances the workflow and returns the next step batch.
func (s *RelayServer) handleNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	batch, nextErr := s.engine.GetNextStep(ctx, workflowID)
	if nextErr != nil {
		return toolError(nextErr), nil
	}
	return marshalResult(batch)
}

// handleComplete acknowledges a blocking agent action.
func (s *RelayServer) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	status := req.GetString("status", "success")
	result := req.GetArguments()["result"]

	if ackErr := s.engine.StepComplete(ctx, workflowID, stepID, status, result); ackErr != nil {
		return toolError(ackErr), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"step_id":     stepID,
	})
}

// handleUpdateState applies a batch of state mutations.
func (s *RelayServer) handleUpdateState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	rawUpdates, ok := req.GetArguments()["updates"]
	if !ok {
		return mcp.NewToolResultError("updates is required"), nil
	}
	updateBytes, err := json.Marshal(rawUpdates)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid updates: %v", err)), nil
	}
	var updates []schema.StateUpdate
	if err := json.Unmarshal(updateBytes, &updates); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid updates: %v", err)), nil
	}
	if len(updates) == 0 {
		return mcp.NewToolResultError("updates must not be empty"), nil
	}

	snapshot, updErr := s.engine.UpdateState(ctx, workflowID, updates)
	if updErr != nil {
		return toolError(updErr), nil
	}
	return marshalResult(snapshot)
}

// handleReadState returns the three-tier state snapshot.
func (s *RelayServer) handleReadState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	snapshot, readErr := s.engine.ReadState(workflowID)
	if readErr != nil {
		return toolError(readErr), nil
	}
	return marshalResult(snapshot)
}

// handleStatus returns the lifecycle status of a workflow.
func (s *RelayServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	status, statusErr := s.engine.Status(workflowID)
	if statusErr != nil {
		return toolError(statusErr), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"status":      status,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// toolError renders an engine error as a structured tool failure, keeping
// the error code and step context visible to the agent.
func toolError(err error) *mcp.CallToolResult {
	rerr := schema.AsRelayError(err, schema.ErrCodeExecution)
	data, merr := json.Marshal(rerr)
	if merr != nil {
		return mcp.NewToolResultError(rerr.Error())
	}
	return mcp.NewToolResultError(string(data))
}
