package steps

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// mcpCallProcessor formats agent actions for mcp_call and internal_mcp_call
// steps. The action carries the tool name, interpolated parameters, and any
// state_update/store_result instructions applied when the agent acknowledges
// the call.
type mcpCallProcessor struct {
	internal bool
}

func (p *mcpCallProcessor) Type() schema.StepType {
	if p.internal {
		return schema.StepInternalMCPCall
	}
	return schema.StepMCPCall
}

func (p *mcpCallProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.MCPCallConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}
	if cfg.Tool == "" {
		return failed(step, schema.NewErrorf(schema.ErrCodeValidation,
			"%s step requires a tool", step.Type).WithStep(step.ID))
	}
	if cfg.StateUpdate != nil && !scope.State.ValidateUpdatePath(cfg.StateUpdate.Path) {
		return failed(step, schema.NewErrorf(schema.ErrCodeValidation,
			"%s step has invalid state_update path %q", step.Type, cfg.StateUpdate.Path).WithStep(step.ID))
	}

	cs, err := scope.ConditionScope()
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}
	params := interpolateParams(cfg.Parameters, flatWithItem(cs, scope))

	return &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusSuccess,
		ExecutionType: schema.ExecutionAgent,
		AgentAction: &schema.AgentAction{
			Type:       string(step.Type),
			Tool:       cfg.Tool,
			Parameters: params,
			Blocking:   true,
		},
	}
}
