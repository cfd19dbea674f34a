package steps

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// userMessageProcessor formats display actions. Messages are agent-visible
// but non-blocking: the scan keeps going after batching one.
type userMessageProcessor struct{}

func (p *userMessageProcessor) Type() schema.StepType { return schema.StepUserMessage }

func (p *userMessageProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.MessageConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}
	return formatMessage(step, &cfg, scope)
}

// conditionalMessageProcessor evaluates a condition over the current
// flattened state and either delegates to user_message formatting or reports
// a skipped success.
type conditionalMessageProcessor struct{}

func (p *conditionalMessageProcessor) Type() schema.StepType { return schema.StepConditionalMessage }

func (p *conditionalMessageProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.MessageConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}
	if cfg.Condition == "" {
		return failed(step, schema.NewError(schema.ErrCodeValidation,
			"conditional_message requires a condition").WithStep(step.ID))
	}

	cs, err := scope.ConditionScope()
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}
	match, err := scope.Conditions.Eval(ctx, cfg.Condition, cs)
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}
	if !match {
		return &schema.StepResult{
			StepID:        step.ID,
			Type:          step.Type,
			Status:        schema.StepStatusSuccess,
			ExecutionType: schema.ExecutionServer,
			Skipped:       true,
		}
	}

	return formatMessage(step, &cfg, scope)
}

// userInputProcessor formats input-request actions. Input requests block the
// scan until the agent acknowledges with the user's response.
type userInputProcessor struct{}

func (p *userInputProcessor) Type() schema.StepType { return schema.StepUserInput }

func (p *userInputProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.UserInputConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}
	if cfg.Prompt == "" {
		return failed(step, schema.NewError(schema.ErrCodeValidation,
			"user_input requires a prompt").WithStep(step.ID))
	}
	if cfg.StateUpdate != "" && !scope.State.ValidateUpdatePath(cfg.StateUpdate) {
		return failed(step, schema.NewErrorf(schema.ErrCodeValidation,
			"user_input has invalid state_update path %q", cfg.StateUpdate).WithStep(step.ID))
	}

	cs, err := scope.ConditionScope()
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}

	return &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusSuccess,
		ExecutionType: schema.ExecutionAgent,
		AgentAction: &schema.AgentAction{
			Type:     string(step.Type),
			Prompt:   interpolateString(cfg.Prompt, flatWithItem(cs, scope)),
			Choices:  cfg.Choices,
			Blocking: true,
		},
	}
}

// waitProcessor signals the executor to stop advancing and hand control back
// to the client, even if the queue has more server-completable items.
type waitProcessor struct{}

func (p *waitProcessor) Type() schema.StepType { return schema.StepWait }

func (p *waitProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.WaitConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}
	return &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusWait,
		WaitForClient: true,
		Message:       cfg.Message,
	}
}

func formatMessage(step *schema.StepDefinition, cfg *schema.MessageConfig, scope *Scope) *schema.StepResult {
	if cfg.Message == "" {
		return failed(step, schema.NewErrorf(schema.ErrCodeValidation,
			"%s requires a message", step.Type).WithStep(step.ID))
	}

	cs, err := scope.ConditionScope()
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}

	return &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusSuccess,
		ExecutionType: schema.ExecutionAgent,
		AgentAction: &schema.AgentAction{
			Type:    "user_message",
			Message: interpolateString(cfg.Message, flatWithItem(cs, scope)),
		},
	}
}
