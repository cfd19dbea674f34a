package steps

import (
	"context"

	"github.com/rendis/relay/pkg/schema"
)

// stateUpdateProcessor handles state_update (single write) and
// batch_state_update (multiple writes in one atomic batch). Both are
// server-completed: the engine folds them into the batch without returning
// control to the agent. Paths and values may carry ${path} references,
// resolved against the flattened scope before the write.
type stateUpdateProcessor struct {
	batch bool
}

func (p *stateUpdateProcessor) Type() schema.StepType {
	if p.batch {
		return schema.StepBatchStateUpdate
	}
	return schema.StepStateUpdate
}

func (p *stateUpdateProcessor) Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult {
	var cfg schema.StateUpdateConfig
	if err := decodeDefinition(step, &cfg); err != nil {
		return failed(step, err)
	}

	var updates []schema.StateUpdate
	if p.batch {
		if len(cfg.Updates) == 0 {
			return failed(step, schema.NewError(schema.ErrCodeValidation,
				"batch_state_update requires a non-empty updates list").WithStep(step.ID))
		}
		updates = cfg.Updates
	} else {
		if cfg.Path == "" {
			return failed(step, schema.NewError(schema.ErrCodeValidation,
				"state_update requires a path").WithStep(step.ID))
		}
		updates = []schema.StateUpdate{{Path: cfg.Path, Value: cfg.Value, Operation: cfg.Operation}}
	}

	cs, cerr := scope.ConditionScope()
	if cerr != nil {
		return failed(step, schema.AsRelayError(cerr, schema.ErrCodeExecution).WithStep(step.ID))
	}
	flat := flatWithItem(cs, scope)
	for i := range updates {
		updates[i].Path = interpolateString(updates[i].Path, flat)
		updates[i].Value = interpolateValue(updates[i].Value, flat)
	}

	snapshot, err := scope.State.Update(ctx, scope.WorkflowID, updates)
	if err != nil {
		return failed(step, schema.AsRelayError(err, schema.ErrCodeExecution).WithStep(step.ID))
	}

	return &schema.StepResult{
		StepID:        step.ID,
		Type:          step.Type,
		Status:        schema.StepStatusSuccess,
		ExecutionType: schema.ExecutionServer,
		Output:        snapshot.State,
	}
}
