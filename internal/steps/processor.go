// Package steps holds the stateless per-step-type processors. Each processor
// turns a step definition plus current state into either a server-completed
// result or an agent-visible action. Control-flow step types (conditional,
// loops, parallel fan-out, break/continue) are resolved by the executor and
// have no processor here.
package steps

import (
	"context"
	"encoding/json"

	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/pkg/schema"
)

// StateAccess is the slice of the state manager visible to processors.
type StateAccess interface {
	Read(workflowID string) (*schema.StateSnapshot, error)
	Update(ctx context.Context, workflowID string, updates []schema.StateUpdate) (*schema.StateSnapshot, error)
	ValidateUpdatePath(path string) bool
}

// Scope is the per-step evaluation context handed to processors.
type Scope struct {
	WorkflowID string
	State      StateAccess
	Conditions *transform.ConditionEngine
	Exec       *state.ExecutionContext

	// Loop iteration bindings; HasItem is false outside loops.
	Item    any
	Index   int
	ItemVar string
	HasItem bool
}

// ConditionScope builds the condition/interpolation view of the current state.
func (s *Scope) ConditionScope() (*transform.ConditionScope, error) {
	snap, err := s.State.Read(s.WorkflowID)
	if err != nil {
		return nil, err
	}
	cs := &transform.ConditionScope{
		Inputs:   snap.Inputs,
		State:    snap.State,
		Computed: snap.Computed,
	}
	if s.Exec != nil {
		cs.Global = s.Exec.Snapshot()
	}
	if s.HasItem {
		cs.Item = s.Item
		cs.Index = s.Index
	}
	return cs, nil
}

// Processor handles one step type.
type Processor interface {
	Type() schema.StepType
	Process(ctx context.Context, step *schema.StepDefinition, scope *Scope) *schema.StepResult
}

// decodeDefinition unmarshals a step's type-specific payload.
func decodeDefinition(step *schema.StepDefinition, into any) *schema.RelayError {
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

// failed builds the structured failure result for a step.
func failed(step *schema.StepDefinition, err *schema.RelayError) *schema.StepResult {
	return &schema.StepResult{
		StepID: step.ID,
		Type:   step.Type,
		Status: schema.StepStatusFailed,
		Error:  err,
	}
}
