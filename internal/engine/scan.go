package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/pending"
	"github.com/rendis/relay/internal/steps"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// scan drains the instance queue until it hits a blocking agent action, a
// wait step, a failure, or the end of the workflow. Server-completed steps
// accumulate in the batch as it goes; non-blocking agent actions (messages)
// accumulate without stopping the scan. Called with inst.mu held.
func (e *Engine) scan(ctx context.Context, inst *workflowInstance) (*schema.StepBatch, error) {
	batch := &schema.StepBatch{WorkflowID: inst.id}

	for len(inst.queue) > 0 {
		item := inst.queue[0]
		step := item.step
		stepCtx := logging.WithStepID(ctx, step.ID)

		if item.marker != nil {
			inst.queue = inst.queue[1:]
			if err := e.advanceLoop(stepCtx, inst, item.marker); err != nil {
				return nil, e.fail(ctx, inst, err)
			}
			continue
		}

		switch step.Type {
		case schema.StepConditional:
			inst.queue = inst.queue[1:]
			if err := e.enterConditional(stepCtx, inst, item); err != nil {
				return nil, e.fail(ctx, inst, err)
			}

		case schema.StepWhileLoop:
			inst.queue = inst.queue[1:]
			if err := e.enterWhile(stepCtx, inst, item); err != nil {
				return nil, e.fail(ctx, inst, err)
			}

		case schema.StepForeach:
			inst.queue = inst.queue[1:]
			if err := e.enterForeach(stepCtx, inst, item); err != nil {
				return nil, e.fail(ctx, inst, err)
			}

		case schema.StepParallelForeach:
			inst.queue = inst.queue[1:]
			res, err := e.runParallelForeach(stepCtx, inst, item)
			if err != nil {
				e.appendEvent(stepCtx, inst.id, step.ID, store.EventStepFailed, err)
				return nil, e.fail(ctx, inst, err)
			}
			batch.ServerCompletedSteps = append(batch.ServerCompletedSteps, *res)
			e.appendEvent(stepCtx, inst.id, step.ID, store.EventStepCompleted, nil)

		case schema.StepBreak, schema.StepContinue:
			inst.queue = inst.queue[1:]
			if err := e.loopJump(inst, item); err != nil {
				return nil, e.fail(ctx, inst, err)
			}

		default:
			done, err := e.runLeaf(stepCtx, inst, item, batch)
			if err != nil {
				return nil, err
			}
			if done {
				return batch, nil
			}
		}
	}

	if err := e.transition(ctx, inst, schema.WorkflowStatusCompleted); err != nil {
		return nil, err
	}
	e.contexts.Remove(inst.id)
	e.persistStatus(ctx, inst)
	e.logger.InfoContext(ctx, "workflow completed")
	batch.Completed = true
	return batch, nil
}

// runLeaf runs a single non-control-flow step through its processor and
// folds the result into the batch. done reports that the scan must stop and
// return the batch (blocking action or wait).
func (e *Engine) runLeaf(ctx context.Context, inst *workflowInstance, item queueItem, batch *schema.StepBatch) (done bool, err error) {
	step := item.step
	proc, ok := e.registry.Get(step.Type)
	if !ok {
		verr := schema.NewErrorf(schema.ErrCodeValidation, "no processor for step type %q", step.Type).WithStep(step.ID)
		return false, e.fail(ctx, inst, verr)
	}

	res := proc.Process(ctx, step, e.scopeFor(inst, item.frame))

	switch {
	case res.Status == schema.StepStatusFailed:
		ferr := res.Error
		if ferr == nil {
			ferr = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed", step.ID).WithStep(step.ID)
		}
		e.appendEvent(ctx, inst.id, step.ID, store.EventStepFailed, ferr)
		return false, e.fail(ctx, inst, ferr)

	case res.Status == schema.StepStatusWait:
		inst.queue = inst.queue[1:]
		batch.Waiting = true
		batch.Message = res.Message
		if berr := e.block(ctx, inst, step, res, &blockedStep{stepID: step.ID, stepType: step.Type, wait: true}, batch); berr != nil {
			return false, e.fail(ctx, inst, berr)
		}
		return true, nil

	case res.ServerCompleted():
		inst.queue = inst.queue[1:]
		batch.ServerCompletedSteps = append(batch.ServerCompletedSteps, *res)
		e.appendEvent(ctx, inst.id, step.ID, store.EventStepCompleted, nil)
		return false, nil

	case res.AgentAction != nil && !res.AgentAction.Blocking:
		inst.queue = inst.queue[1:]
		batch.Steps = append(batch.Steps, *res)
		return false, nil

	default:
		inst.queue = inst.queue[1:]
		batch.Steps = append(batch.Steps, *res)
		instr, berr := ackInstructions(step)
		if berr != nil {
			return false, e.fail(ctx, inst, berr)
		}
		if berr := e.block(ctx, inst, step, res, instr, batch); berr != nil {
			return false, e.fail(ctx, inst, berr)
		}
		return true, nil
	}
}

// block registers the pending action, caches the batch for idempotent
// re-polls, and moves the instance to blocked_on_agent.
func (e *Engine) block(ctx context.Context, inst *workflowInstance, step *schema.StepDefinition, res *schema.StepResult, instr *blockedStep, batch *schema.StepBatch) *schema.RelayError {
	action := &pending.Action{
		WorkflowID: inst.id,
		StepID:     step.ID,
		ActionType: string(step.Type),
	}
	if res.AgentAction != nil {
		action.Parameters = res.AgentAction.Parameters
	}
	if err := e.pending.Add(action); err != nil {
		return schema.AsRelayError(err, schema.ErrCodeCapacity).WithStep(step.ID)
	}

	inst.blocked = instr
	inst.lastBatch = batch
	if err := e.transition(ctx, inst, schema.WorkflowStatusBlockedOnAgent); err != nil {
		return schema.AsRelayError(err, schema.ErrCodeInvalidTransition)
	}
	e.persistStatus(ctx, inst)
	e.logger.InfoContext(ctx, "workflow blocked on agent", "action", string(step.Type))
	return nil
}

// ackInstructions extracts where the acknowledged result of a blocking step
// gets written, from the step's own configuration.
func ackInstructions(step *schema.StepDefinition) (*blockedStep, *schema.RelayError) {
	instr := &blockedStep{stepID: step.ID, stepType: step.Type}
	if len(step.Definition) == 0 {
		return instr, nil
	}

	switch step.Type {
	case schema.StepMCPCall, schema.StepInternalMCPCall:
		var cfg schema.MCPCallConfig
		if err := json.Unmarshal(step.Definition, &cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
		}
		instr.stateUpdate = cfg.StateUpdate
		instr.storeResult = cfg.StoreResult
		instr.resultFilter = cfg.ResultFilter

	case schema.StepUserInput:
		var cfg schema.UserInputConfig
		if err := json.Unmarshal(step.Definition, &cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
		}
		instr.storeResult = cfg.StateUpdate

	case schema.StepShellCommand, schema.StepAgentCommand:
		var cfg schema.CommandConfig
		if err := json.Unmarshal(step.Definition, &cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
		}
		instr.stateUpdate = cfg.StateUpdate
		instr.storeResult = cfg.StoreResult
	}
	return instr, nil
}

// scopeFor builds the processor scope, binding the innermost foreach item
// when one encloses the step.
func (e *Engine) scopeFor(inst *workflowInstance, frame *loopFrame) *steps.Scope {
	scope := &steps.Scope{
		WorkflowID: inst.id,
		State:      e.state,
		Conditions: e.conditions,
		Exec:       e.contexts.Get(inst.id),
	}
	if lf := itemBinding(frame); lf != nil && lf.index >= 0 && lf.index < len(lf.items) {
		scope.Item = lf.items[lf.index]
		scope.Index = lf.index
		scope.ItemVar = lf.itemVar
		scope.HasItem = true
	}
	return scope
}

// evalCondition evaluates a step condition against the current state with
// any enclosing loop bindings visible.
func (e *Engine) evalCondition(ctx context.Context, inst *workflowInstance, frame *loopFrame, condition string) (bool, *schema.RelayError) {
	scope := e.scopeFor(inst, frame)
	cs, err := scope.ConditionScope()
	if err != nil {
		return false, schema.AsRelayError(err, schema.ErrCodeExecution)
	}
	result, err := e.conditions.Eval(ctx, condition, cs)
	if err != nil {
		return false, schema.AsRelayError(err, schema.ErrCodeTransform)
	}
	return result, nil
}

// enterConditional evaluates the condition and splices the chosen branch in
// front of the queue. Branch steps inherit the enclosing loop frame.
func (e *Engine) enterConditional(ctx context.Context, inst *workflowInstance, item queueItem) *schema.RelayError {
	step := item.step
	var cfg schema.ConditionalConfig
	if err := decodeStep(step, &cfg); err != nil {
		return err
	}
	if cfg.Condition == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %s requires a condition", step.ID).WithStep(step.ID)
	}

	result, err := e.evalCondition(ctx, inst, item.frame, cfg.Condition)
	if err != nil {
		return err.WithStep(step.ID)
	}

	branch := cfg.ThenSteps
	if !result {
		branch = cfg.ElseSteps
	}
	inst.spliceFront(wrap(branch, item.frame))
	return nil
}

// enterWhile creates the loop frame and runs the first condition check.
func (e *Engine) enterWhile(ctx context.Context, inst *workflowInstance, item queueItem) *schema.RelayError {
	step := item.step
	var cfg schema.WhileLoopConfig
	if err := decodeStep(step, &cfg); err != nil {
		return err
	}
	if cfg.Condition == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "while_loop step %s requires a condition", step.ID).WithStep(step.ID)
	}
	if len(cfg.Body) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "while_loop step %s requires a body", step.ID).WithStep(step.ID)
	}

	max := cfg.MaxIterations
	if max <= 0 {
		max = defaultMaxLoopIterations
	}
	frame := &loopFrame{
		kind:          schema.StepWhileLoop,
		step:          step,
		parent:        item.frame,
		condition:     cfg.Condition,
		maxIterations: max,
		body:          cfg.Body,
	}
	return e.continueWhile(ctx, inst, frame)
}

// continueWhile re-evaluates the loop condition and splices the next
// iteration, or lets the loop fall through when the condition turns false.
func (e *Engine) continueWhile(ctx context.Context, inst *workflowInstance, frame *loopFrame) *schema.RelayError {
	if frame.iterations >= frame.maxIterations {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"while_loop step %s exceeded %d iterations", frame.step.ID, frame.maxIterations).
			WithStep(frame.step.ID)
	}

	result, err := e.evalCondition(ctx, inst, frame, frame.condition)
	if err != nil {
		return err.WithStep(frame.step.ID)
	}
	if !result {
		return nil
	}

	frame.iterations++
	items := wrap(frame.body, frame)
	items = append(items, queueItem{step: frame.step, frame: frame.parent, marker: frame})
	inst.spliceFront(items)
	return nil
}

// enterForeach resolves the item list once and starts the first iteration.
func (e *Engine) enterForeach(ctx context.Context, inst *workflowInstance, item queueItem) *schema.RelayError {
	step := item.step
	var cfg schema.ForeachConfig
	if err := decodeStep(step, &cfg); err != nil {
		return err
	}
	if len(cfg.Body) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "foreach step %s requires a body", step.ID).WithStep(step.ID)
	}

	items, rerr := e.resolveItems(ctx, inst, item.frame, cfg.Items)
	if rerr != nil {
		return rerr.WithStep(step.ID)
	}
	if len(items) == 0 {
		return nil
	}

	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	frame := &loopFrame{
		kind:    schema.StepForeach,
		step:    step,
		parent:  item.frame,
		items:   items,
		itemVar: itemVar,
		index:   -1,
		body:    cfg.Body,
	}
	e.continueForeach(inst, frame)
	return nil
}

// continueForeach advances to the next item, splicing the body until the
// list is exhausted.
func (e *Engine) continueForeach(inst *workflowInstance, frame *loopFrame) {
	frame.index++
	if frame.index >= len(frame.items) {
		return
	}
	items := wrap(frame.body, frame)
	items = append(items, queueItem{step: frame.step, frame: frame.parent, marker: frame})
	inst.spliceFront(items)
}

// advanceLoop handles a loop's re-entry marker after its body ran.
func (e *Engine) advanceLoop(ctx context.Context, inst *workflowInstance, frame *loopFrame) *schema.RelayError {
	switch frame.kind {
	case schema.StepWhileLoop:
		return e.continueWhile(ctx, inst, frame)
	case schema.StepForeach:
		e.continueForeach(inst, frame)
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "unexpected loop marker kind %q", frame.kind)
	}
}

// loopJump handles break and continue against the innermost enclosing loop.
func (e *Engine) loopJump(inst *workflowInstance, item queueItem) *schema.RelayError {
	if item.frame == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s step %s used outside of a loop", item.step.Type, item.step.ID).
			WithStep(item.step.ID)
	}
	inst.unwindLoop(item.frame, item.step.Type == schema.StepContinue)
	return nil
}

// decodeStep unmarshals a step's type-specific payload.
func decodeStep(step *schema.StepDefinition, into any) *schema.RelayError {
	if len(step.Definition) == 0 {
		return nil
	}
	if err := json.Unmarshal(step.Definition, into); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s has invalid %s definition: %s", step.ID, step.Type, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return nil
}
