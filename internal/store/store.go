package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// Run is the persisted record of one workflow instance.
type Run struct {
	ID          string                `json:"id"`
	Name        string                `json:"name,omitempty"`
	Status      schema.WorkflowStatus `json:"status"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	Error       json.RawMessage       `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Event is an immutable entry in the append-only event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Event types emitted by the engine.
const (
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowBlocked   = "workflow.blocked"
	EventWorkflowResumed   = "workflow.resumed"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
	EventStepAcknowledged  = "step.acknowledged"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.WorkflowStatus
	Since  *time.Time
	Limit  int
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.WorkflowStatus
	Error       json.RawMessage
	CompletedAt *time.Time
}

// Store defines the persistence contract for run records and the event log.
// All implementations must be safe for concurrent use. Durability across
// process restarts is not guaranteed; the engine state of truth lives in
// memory.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	Migrate(ctx context.Context) error
	Close() error
}

// EventAppender is the narrow slice the engine needs to emit events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *Event) error
}
