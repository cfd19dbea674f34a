package steps

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// commandProcessor formats shell_command and agent_command actions. The
// engine never shells out itself; commands are handed to the agent, which
// executes them and reports back through step_complete.
type commandProcessor struct {
	agent bool
}

func (p *commandProcessor) Type() schema.StepType {
	if p.agent {
		return schema.StepAgentCommand
	}
	return schema.StepShellCommand
}

func (p *commandProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.CommandConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}
	if cfg.Command == "" {
		return failed(step, schema.NewErrorf(schema.ErrCodeValidation,
			"%s step requires a command", step.Type).WithStep(step.ID))
	}
	if cfg.StateUpdate != nil && !scope.State.ValidateUpdatePath(cfg.StateUpdate.Path) {
		return failed(step, schema.NewErrorf(schema.ErrCodeValidation,
			"%s step has invalid state_update path %q", step.Type, cfg.StateUpdate.Path).WithStep(step.ID))
	}

	cs, err := scope.ConditionScope()
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}
	flat := flatWithItem(cs, scope)

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = interpolateString(a, flat)
	}

	return &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusSuccess,
		ExecutionType: schema.ExecutionAgent,
		AgentAction: &schema.AgentAction{
			Type:       string(step.Type),
			Command:    interpolateString(cfg.Command, flat),
			Args:       args,
			Parameters: interpolateParams(cfg.Parameters, flat),
			Blocking:   true,
		},
	}
}
