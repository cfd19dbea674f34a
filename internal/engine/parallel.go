package engine

import (
	"context"
	"fmt"

	"github.com/rendis/relay/internal/dispatch"
	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/internal/steps"
	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/pkg/schema"
)

// runParallelForeach fans the body out over the item list through the
// dispatcher and completes server-side. Body steps run on the server; any
// step needing the agent is rejected, since sub-agent tasks cannot
// participate in the poll/ack cycle.
func (e *Engine) runParallelForeach(ctx context.Context, inst *workflowInstance, item queueItem) (*schema.StepResult, *schema.RelayError) {
	step := item.step
	var cfg schema.ForeachConfig
	if err := decodeStep(step, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Body) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel_foreach step %s requires a body", step.ID).WithStep(step.ID)
	}
	if cfg.StoreResult != "" && !e.state.ValidateUpdatePath(cfg.StoreResult) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parallel_foreach step %s has invalid store_result path %q", step.ID, cfg.StoreResult).
			WithStep(step.ID)
	}

	items, rerr := e.resolveItems(ctx, inst, item.frame, cfg.Items)
	if rerr != nil {
		return nil, rerr.WithStep(step.ID)
	}

	result := &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusSuccess,
		ExecutionType: schema.ExecutionServer,
	}
	if len(items) == 0 {
		result.Skipped = true
		return result, nil
	}

	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	work := make([]dispatch.WorkItem, len(items))
	for i, v := range items {
		work[i] = dispatch.WorkItem{ID: workItemID(v, i), Value: v, Index: i}
	}

	isolation := true
	if cfg.ErrorIsolation != nil {
		isolation = *cfg.ErrorIsolation
	}

	fn := func(taskCtx context.Context, wi dispatch.WorkItem, _ *state.ExecutionContext) (any, error) {
		return e.runParallelBody(taskCtx, inst, cfg.Body, wi, itemVar)
	}
	outcomes, derr := e.dispatcher.ExecuteParallel(ctx, inst.id, work, fn, dispatch.Options{
		MaxParallel:    cfg.MaxParallel,
		TimeoutSeconds: cfg.TimeoutSeconds,
		ErrorIsolation: isolation,
	})
	if derr != nil {
		return nil, schema.AsRelayError(derr, schema.ErrCodeExecution).WithStep(step.ID)
	}

	result.Output = outcomes
	if cfg.StoreResult != "" {
		if _, uerr := e.state.Update(ctx, inst.id, []schema.StateUpdate{
			{Path: cfg.StoreResult, Value: outcomeMap(outcomes)},
		}); uerr != nil {
			return nil, schema.AsRelayError(uerr, schema.ErrCodeExecution).WithStep(step.ID)
		}
	}
	return result, nil
}

// runParallelBody runs one item's body steps sequentially on the server.
// Conditionals are allowed and recursed into; loops, nested fan-out and
// agent-visible steps are not.
func (e *Engine) runParallelBody(ctx context.Context, inst *workflowInstance, body []schema.StepDefinition, wi dispatch.WorkItem, itemVar string) (any, error) {
	var last any
	for i := range body {
		step := &body[i]
		switch step.Type {
		case schema.StepConditional:
			var cfg schema.ConditionalConfig
			if err := decodeStep(step, &cfg); err != nil {
				return nil, err
			}
			scope := e.parallelScope(inst, wi, itemVar)
			cs, serr := scope.ConditionScope()
			if serr != nil {
				return nil, serr
			}
			pass, cerr := e.conditions.Eval(ctx, cfg.Condition, cs)
			if cerr != nil {
				return nil, schema.AsRelayError(cerr, schema.ErrCodeTransform).WithStep(step.ID)
			}
			branch := cfg.ThenSteps
			if !pass {
				branch = cfg.ElseSteps
			}
			out, berr := e.runParallelBody(ctx, inst, branch, wi, itemVar)
			if berr != nil {
				return nil, berr
			}
			if out != nil {
				last = out
			}

		case schema.StepWhileLoop, schema.StepForeach, schema.StepParallelForeach,
			schema.StepBreak, schema.StepContinue:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step type %q is not allowed inside parallel_foreach", step.Type).
				WithStep(step.ID)

		default:
			proc, ok := e.registry.Get(step.Type)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "no processor for step type %q", step.Type).WithStep(step.ID)
			}
			res := proc.Process(ctx, step, e.parallelScope(inst, wi, itemVar))
			if res.Status == schema.StepStatusFailed {
				if res.Error != nil {
					return nil, res.Error
				}
				return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed", step.ID).WithStep(step.ID)
			}
			if !res.ServerCompleted() {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s (%s) requires the agent and cannot run inside parallel_foreach", step.ID, step.Type).
					WithStep(step.ID)
			}
			if res.Output != nil {
				last = res.Output
			}
		}
	}
	return last, nil
}

// parallelScope binds the work item into a processor scope. Globals remain
// the root workflow context, shared across all sub-agent tasks.
func (e *Engine) parallelScope(inst *workflowInstance, wi dispatch.WorkItem, itemVar string) *steps.Scope {
	return &steps.Scope{
		WorkflowID: inst.id,
		State:      e.state,
		Conditions: e.conditions,
		Exec:       e.contexts.Get(inst.id),
		Item:       wi.Value,
		Index:      wi.Index,
		ItemVar:    itemVar,
		HasItem:    true,
	}
}

// resolveItems turns a foreach items declaration into a concrete list:
// either a literal list or a dotted state path resolving to one.
func (e *Engine) resolveItems(ctx context.Context, inst *workflowInstance, frame *loopFrame, items any) ([]any, *schema.RelayError) {
	switch v := items.(type) {
	case nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "foreach requires an items list or path")
	case []any:
		return v, nil
	case string:
		scope := e.scopeFor(inst, frame)
		cs, err := scope.ConditionScope()
		if err != nil {
			return nil, schema.AsRelayError(err, schema.ErrCodeExecution)
		}
		flat := transform.FlattenScope(cs)
		resolved, ok := flat[v]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "items path %q not found in state", v)
		}
		list, ok := resolved.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "items path %q does not resolve to a list", v)
		}
		return list, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "items must be a list or a state path, got %T", items)
	}
}

// workItemID derives a stable task ID for an item, preferring an explicit
// string "id" field on map items.
func workItemID(v any, index int) string {
	if m, ok := v.(map[string]any); ok {
		if id, ok := m["id"].(string); ok && id != "" {
			return id
		}
	}
	return fmt.Sprintf("item_%d", index)
}

// outcomeMap converts dispatch outcomes into a plain map for state storage.
func outcomeMap(outcomes map[string]dispatch.Outcome) map[string]any {
	out := make(map[string]any, len(outcomes))
	for id, o := range outcomes {
		entry := map[string]any{"status": o.Status}
		if o.Output != nil {
			entry["output"] = o.Output
		}
		if o.Error != nil {
			entry["error"] = o.Error.Message
		}
		out[id] = entry
	}
	return out
}
