package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot: per-type payload
// requirements, update-path shape, loop bodies, and break/continue nesting.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, false, result)
	}
	return result
}

// validateStepSemantic checks a single step and recurses into nested bodies.
// inLoop tracks whether break/continue is legal at this position.
func validateStepSemantic(step *schema.StepDefinition, path string, inLoop bool, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepStateUpdate:
		var cfg schema.StateUpdateConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Path == "" {
			result.AddStepError(step.ID, path+".definition.path", schema.IssueMissingField, "state_update requires a path")
		} else {
			checkUpdatePath(step.ID, cfg.Path, path+".definition.path", result)
		}
		checkOperation(step.ID, cfg.Operation, path+".definition.operation", result)

	case schema.StepBatchStateUpdate:
		var cfg schema.StateUpdateConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if len(cfg.Updates) == 0 {
			result.AddStepError(step.ID, path+".definition.updates", schema.IssueMissingField, "batch_state_update requires at least one update")
		}
		for j, u := range cfg.Updates {
			upath := fmt.Sprintf("%s.definition.updates[%d]", path, j)
			if u.Path == "" {
				result.AddStepError(step.ID, upath+".path", schema.IssueMissingField, "update requires a path")
			} else {
				checkUpdatePath(step.ID, u.Path, upath+".path", result)
			}
			checkOperation(step.ID, u.Operation, upath+".operation", result)
		}

	case schema.StepMCPCall, schema.StepInternalMCPCall:
		var cfg schema.MCPCallConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Tool == "" {
			result.AddStepError(step.ID, path+".definition.tool", schema.IssueMissingField, fmt.Sprintf("%s requires a tool", step.Type))
		}
		if cfg.StateUpdate != nil && cfg.StateUpdate.Path != "" {
			checkUpdatePath(step.ID, cfg.StateUpdate.Path, path+".definition.state_update.path", result)
		}
		if cfg.StoreResult != "" {
			checkUpdatePath(step.ID, cfg.StoreResult, path+".definition.store_result", result)
		}

	case schema.StepUserMessage:
		var cfg schema.MessageConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Message == "" {
			result.AddStepError(step.ID, path+".definition.message", schema.IssueMissingField, "user_message requires a message")
		}

	case schema.StepConditionalMessage:
		var cfg schema.MessageConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Message == "" {
			result.AddStepError(step.ID, path+".definition.message", schema.IssueMissingField, "conditional_message requires a message")
		}
		if cfg.Condition == "" {
			result.AddStepError(step.ID, path+".definition.condition", schema.IssueMissingField, "conditional_message requires a condition")
		}

	case schema.StepUserInput:
		var cfg schema.UserInputConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Prompt == "" {
			result.AddStepError(step.ID, path+".definition.prompt", schema.IssueMissingField, "user_input requires a prompt")
		}
		if cfg.StateUpdate != "" {
			checkUpdatePath(step.ID, cfg.StateUpdate, path+".definition.state_update", result)
		}

	case schema.StepWait:
		// Message is optional; nothing to check.

	case schema.StepConditional:
		var cfg schema.ConditionalConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Condition == "" {
			result.AddStepError(step.ID, path+".definition.condition", schema.IssueMissingField, "conditional requires a condition")
		}
		if len(cfg.ThenSteps) == 0 && len(cfg.ElseSteps) == 0 {
			result.AddStepWarning(step.ID, path+".definition", schema.IssueEmptyBranch, "conditional has no branch steps")
		}
		validateBody(cfg.ThenSteps, path+".definition.then_steps", inLoop, result)
		validateBody(cfg.ElseSteps, path+".definition.else_steps", inLoop, result)

	case schema.StepWhileLoop:
		var cfg schema.WhileLoopConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Condition == "" {
			result.AddStepError(step.ID, path+".definition.condition", schema.IssueMissingField, "while_loop requires a condition")
		}
		if len(cfg.Body) == 0 {
			result.AddStepError(step.ID, path+".definition.body", schema.IssueMissingField, "while_loop requires a body")
		}
		if cfg.MaxIterations < 0 {
			result.AddStepError(step.ID, path+".definition.max_iterations", schema.IssueBadValue, "max_iterations must not be negative")
		}
		validateBody(cfg.Body, path+".definition.body", true, result)

	case schema.StepForeach, schema.StepParallelForeach:
		var cfg schema.ForeachConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Items == nil {
			result.AddStepError(step.ID, path+".definition.items", schema.IssueMissingField, fmt.Sprintf("%s requires items", step.Type))
		}
		if len(cfg.Body) == 0 {
			result.AddStepError(step.ID, path+".definition.body", schema.IssueMissingField, fmt.Sprintf("%s requires a body", step.Type))
		}
		if cfg.StoreResult != "" {
			checkUpdatePath(step.ID, cfg.StoreResult, path+".definition.store_result", result)
		}
		if step.Type == schema.StepParallelForeach {
			if cfg.MaxParallel < 0 {
				result.AddStepError(step.ID, path+".definition.max_parallel", schema.IssueBadValue, "max_parallel must not be negative")
			}
			validateParallelBody(cfg.Body, path+".definition.body", result)
		} else {
			validateBody(cfg.Body, path+".definition.body", true, result)
		}

	case schema.StepBreak, schema.StepContinue:
		if !inLoop {
			result.AddStepError(step.ID, path, schema.IssueMisplaced,
				fmt.Sprintf("%s is only allowed inside a loop body", step.Type))
		}

	case schema.StepShellCommand, schema.StepAgentCommand:
		var cfg schema.CommandConfig
		if !decodeConfig(step, path, &cfg, result) {
			return
		}
		if cfg.Command == "" {
			result.AddStepError(step.ID, path+".definition.command", schema.IssueMissingField, fmt.Sprintf("%s requires a command", step.Type))
		}
		if cfg.StateUpdate != nil && cfg.StateUpdate.Path != "" {
			checkUpdatePath(step.ID, cfg.StateUpdate.Path, path+".definition.state_update.path", result)
		}
		if cfg.StoreResult != "" {
			checkUpdatePath(step.ID, cfg.StoreResult, path+".definition.store_result", result)
		}
	}
}

// validateBody recurses into nested step lists, checking IDs as it goes.
func validateBody(body []schema.StepDefinition, path string, inLoop bool, result *schema.ValidationResult) {
	for i := range body {
		spath := fmt.Sprintf("%s[%d]", path, i)
		s := &body[i]
		if s.ID == "" {
			result.AddError(spath+".id", schema.IssueMissingField, "step requires an id")
		}
		if !schema.ValidStepTypes[s.Type] {
			result.AddStepError(s.ID, spath+".type", schema.IssueUnknownType, fmt.Sprintf("unknown step type %q", s.Type))
			continue
		}
		validateStepSemantic(s, spath, inLoop, result)
	}
}

// validateParallelBody enforces the restricted set allowed in sub-agent
// tasks: no loops, no nested fan-out, no agent-visible steps.
func validateParallelBody(body []schema.StepDefinition, path string, result *schema.ValidationResult) {
	for i := range body {
		spath := fmt.Sprintf("%s[%d]", path, i)
		s := &body[i]
		switch s.Type {
		case schema.StepWhileLoop, schema.StepForeach, schema.StepParallelForeach,
			schema.StepBreak, schema.StepContinue:
			result.AddStepError(s.ID, spath+".type", schema.IssueMisplaced,
				fmt.Sprintf("step type %q is not allowed inside parallel_foreach", s.Type))
		case schema.StepMCPCall, schema.StepInternalMCPCall, schema.StepUserMessage,
			schema.StepUserInput, schema.StepConditionalMessage, schema.StepWait,
			schema.StepShellCommand, schema.StepAgentCommand:
			result.AddStepError(s.ID, spath+".type", schema.IssueMisplaced,
				fmt.Sprintf("step type %q requires the agent and is not allowed inside parallel_foreach", s.Type))
		case schema.StepConditional:
			var cfg schema.ConditionalConfig
			if decodeConfig(s, spath, &cfg, result) {
				validateParallelBody(cfg.ThenSteps, spath+".definition.then_steps", result)
				validateParallelBody(cfg.ElseSteps, spath+".definition.else_steps", result)
			}
		default:
			validateStepSemantic(s, spath, false, result)
		}
	}
}

// validateComputed runs the dependency resolver over the computed fields,
// surfacing cycles and declaration errors without creating an instance.
func validateComputed(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Computed) == 0 {
		return result
	}
	if _, err := state.ResolveFields(def.Computed); err != nil {
		rerr := schema.AsRelayError(err, schema.ErrCodeValidation)
		code := schema.IssueBadValue
		if rerr.Code == schema.ErrCodeCycleDetected {
			code = schema.IssueCycle
		}
		result.AddError("computed", code, rerr.Message)
	}
	return result
}

func decodeConfig(step *schema.StepDefinition, path string, into any, result *schema.ValidationResult) bool {
	if len(step.Definition) == 0 {
		return true
	}
	if err := json.Unmarshal(step.Definition, into); err != nil {
		result.AddStepError(step.ID, path+".definition", schema.IssueBadValue,
			fmt.Sprintf("invalid %s definition: %s", step.Type, err.Error()))
		return false
	}
	return true
}

func checkUpdatePath(stepID, p, location string, result *schema.ValidationResult) {
	if !state.ValidateUpdatePath(p) {
		result.AddStepError(stepID, location, schema.IssueBadPath,
			fmt.Sprintf("invalid update path %q: must target the state tier", p))
	}
}

func checkOperation(stepID, op, location string, result *schema.ValidationResult) {
	switch op {
	case "", schema.OpSet, schema.OpIncrement, schema.OpDecrement, schema.OpMultiply, schema.OpAppend:
	default:
		result.AddStepError(stepID, location, schema.IssueBadValue, fmt.Sprintf("unknown operation %q", op))
	}
}
