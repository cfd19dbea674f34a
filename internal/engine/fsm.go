package engine

import (
	"context"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// validTransitions defines the allowed lifecycle transitions for a workflow
// instance. The poll/ack protocol drives pending <-> blocked_on_agent;
// completed and failed are terminal.
var validTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:        {schema.WorkflowStatusBlockedOnAgent, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusBlockedOnAgent: {schema.WorkflowStatusPending, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted:      {},
	schema.WorkflowStatusFailed:         {},
}

func isValidTransition(from, to schema.WorkflowStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func statusEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusBlockedOnAgent:
		return store.EventWorkflowBlocked
	case schema.WorkflowStatusPending:
		return store.EventWorkflowResumed
	case schema.WorkflowStatusCompleted:
		return store.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return store.EventWorkflowFailed
	default:
		return ""
	}
}

// transition validates and applies a status change on a locked instance,
// emitting the corresponding event. Event append failures are logged, not
// fatal: the in-memory status is the source of truth.
func (e *Engine) transition(ctx context.Context, inst *workflowInstance, to schema.WorkflowStatus) error {
	if !isValidTransition(inst.status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", inst.status, to).
			WithDetails(map[string]any{"workflow_id": inst.id})
	}

	inst.status = to
	if eventType := statusEventType(to); eventType != "" && e.events != nil {
		if err := e.events.AppendEvent(ctx, &store.Event{
			WorkflowID: inst.id,
			Type:       eventType,
		}); err != nil {
			e.logger.WarnContext(ctx, "event append failed", "error", err)
		}
	}
	return nil
}
