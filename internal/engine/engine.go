// Package engine implements the queue-based workflow executor behind the
// poll/ack protocol. Each get_next_step call scans the instance's queue,
// executing server-side steps eagerly and accumulating agent-visible actions
// until it reaches one that blocks. Acknowledging that action resumes the
// scan from just past the acknowledged step.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/relay/internal/dispatch"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/pending"
	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/internal/steps"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/pkg/schema"
)

// defaultMaxLoopIterations caps while_loop iterations when the definition
// does not set max_iterations.
const defaultMaxLoopIterations = 1000

// Deps are the collaborators the engine is wired with. Store may be nil to
// run without persistence.
type Deps struct {
	State      *state.Manager
	Contexts   *state.ContextRegistry
	Steps      *steps.Registry
	Conditions *transform.ConditionEngine
	Filters    *transform.ResultFilter
	Pending    *pending.Registry
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Logger     *slog.Logger
}

// Engine executes workflow instances. Instance lifecycle state lives in
// memory; the store records runs and an append-only event log on the side.
type Engine struct {
	state      *state.Manager
	contexts   *state.ContextRegistry
	registry   *steps.Registry
	conditions *transform.ConditionEngine
	filters    *transform.ResultFilter
	pending    *pending.Registry
	dispatcher *dispatch.Dispatcher
	store      store.Store
	events     store.EventAppender
	logger     *slog.Logger

	mu        sync.RWMutex
	instances map[string]*workflowInstance
}

// workflowInstance is the in-memory execution state of one run. All access
// goes through mu; the scan holds it for the duration of one poll.
type workflowInstance struct {
	mu        sync.Mutex
	id        string
	def       *schema.WorkflowDefinition
	status    schema.WorkflowStatus
	queue     []queueItem
	blocked   *blockedStep
	lastBatch *schema.StepBatch
	failure   *schema.RelayError
}

// blockedStep carries what must happen when the in-flight agent action is
// acknowledged: where the (optionally filtered) result is written.
type blockedStep struct {
	stepID       string
	stepType     schema.StepType
	stateUpdate  *schema.StateUpdate
	storeResult  string
	resultFilter string
	wait         bool
}

// New wires an Engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	if deps.State == nil || deps.Contexts == nil || deps.Steps == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires state manager, context registry and step registry")
	}
	if deps.Conditions == nil || deps.Pending == nil || deps.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires condition engine, pending registry and dispatcher")
	}
	if deps.Filters == nil {
		deps.Filters = transform.NewResultFilter()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		state:      deps.State,
		contexts:   deps.Contexts,
		registry:   deps.Steps,
		conditions: deps.Conditions,
		filters:    deps.Filters,
		pending:    deps.Pending,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		logger:     deps.Logger,
		instances:  make(map[string]*workflowInstance),
	}
	if deps.Store != nil {
		e.events = deps.Store
	}
	return e, nil
}

// Start creates a new workflow instance from a definition and returns its ID.
// The first get_next_step call begins execution.
func (e *Engine) Start(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (string, error) {
	if def == nil || len(def.Steps) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition requires at least one step")
	}
	seen := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "step %d has no id", i)
		}
		if seen[s.ID] {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !schema.ValidStepTypes[s.Type] {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type %q", s.ID, s.Type).WithStep(s.ID)
		}
	}

	id := uuid.NewString()
	ctx = logging.WithWorkflowID(ctx, id)

	if _, err := e.contexts.Create(id); err != nil {
		return "", err
	}
	if err := e.state.Create(ctx, id, def, inputs); err != nil {
		e.contexts.Remove(id)
		return "", err
	}

	inst := &workflowInstance{
		id:     id,
		def:    def,
		status: schema.WorkflowStatusPending,
		queue:  wrap(def.Steps, nil),
	}
	e.mu.Lock()
	e.instances[id] = inst
	e.mu.Unlock()

	if e.store != nil {
		now := time.Now().UTC()
		if err := e.store.CreateRun(ctx, &store.Run{
			ID:        id,
			Name:      def.Name,
			Status:    schema.WorkflowStatusPending,
			Inputs:    inputs,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			e.logger.WarnContext(ctx, "run record create failed", "error", err)
		}
		e.appendEvent(ctx, id, "", store.EventWorkflowStarted, nil)
	}

	e.logger.InfoContext(ctx, "workflow started", "name", def.Name, "steps", len(def.Steps))
	return id, nil
}

// GetNextStep advances the workflow and returns the next batch of work for
// the agent. Re-polling while blocked returns the same batch; polling a
// completed workflow returns an empty completed batch; polling a failed one
// returns its failure.
func (e *Engine) GetNextStep(ctx context.Context, workflowID string) (*schema.StepBatch, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, workflowID)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	switch inst.status {
	case schema.WorkflowStatusBlockedOnAgent:
		return inst.lastBatch, nil
	case schema.WorkflowStatusCompleted:
		return &schema.StepBatch{WorkflowID: workflowID, Completed: true}, nil
	case schema.WorkflowStatusFailed:
		return nil, inst.failure
	}
	return e.scan(ctx, inst)
}

// StepComplete acknowledges the blocking agent action the workflow is
// waiting on. On success the result is (optionally filtered and) written to
// state per the step's configuration, and the next poll resumes the scan.
func (e *Engine) StepComplete(ctx context.Context, workflowID, stepID, status string, result any) error {
	inst, err := e.instance(workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithWorkflowID(logging.WithStepID(ctx, stepID), workflowID)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.status != schema.WorkflowStatusBlockedOnAgent || inst.blocked == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s has no step awaiting completion", workflowID)
	}
	b := inst.blocked
	if b.stepID != stepID {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is waiting on step %q, not %q", workflowID, b.stepID, stepID)
	}

	if status == "failed" || status == "error" {
		ferr := schema.NewErrorf(schema.ErrCodeStepFailed, "step %s reported failure by agent", stepID).
			WithStep(stepID).
			WithDetails(map[string]any{"result": result})
		e.appendEvent(ctx, inst.id, stepID, store.EventStepFailed, result)
		e.fail(ctx, inst, ferr)
		return nil
	}

	if !b.wait {
		value := result
		if b.resultFilter != "" {
			filtered, ferr := e.filters.Apply(ctx, b.resultFilter, value)
			if ferr != nil {
				rerr := schema.AsRelayError(ferr, schema.ErrCodeTransform).WithStep(stepID)
				e.fail(ctx, inst, rerr)
				return rerr
			}
			value = filtered
		}

		var updates []schema.StateUpdate
		if b.storeResult != "" {
			updates = append(updates, schema.StateUpdate{Path: b.storeResult, Value: value})
		}
		if b.stateUpdate != nil {
			u := *b.stateUpdate
			if u.Value == nil {
				u.Value = value
			}
			updates = append(updates, u)
		}
		if len(updates) > 0 {
			if _, uerr := e.state.Update(ctx, inst.id, updates); uerr != nil {
				rerr := schema.AsRelayError(uerr, schema.ErrCodeExecution).WithStep(stepID)
				e.fail(ctx, inst, rerr)
				return rerr
			}
		}
	}

	e.pending.Remove(inst.id)
	inst.blocked = nil
	inst.lastBatch = nil
	e.appendEvent(ctx, inst.id, stepID, store.EventStepAcknowledged, nil)
	if terr := e.transition(ctx, inst, schema.WorkflowStatusPending); terr != nil {
		return terr
	}
	e.persistStatus(ctx, inst)
	e.logger.InfoContext(ctx, "step acknowledged")
	return nil
}

// UpdateState applies a batch of state mutations to a running workflow.
func (e *Engine) UpdateState(ctx context.Context, workflowID string, updates []schema.StateUpdate) (*schema.StateSnapshot, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	status := inst.status
	inst.mu.Unlock()
	if status == schema.WorkflowStatusCompleted || status == schema.WorkflowStatusFailed {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s", workflowID, status)
	}
	return e.state.Update(logging.WithWorkflowID(ctx, workflowID), workflowID, updates)
}

// ReadState returns the three-tier snapshot of a workflow, including after
// it has reached a terminal status.
func (e *Engine) ReadState(workflowID string) (*schema.StateSnapshot, error) {
	if _, err := e.instance(workflowID); err != nil {
		return nil, err
	}
	return e.state.Read(workflowID)
}

// Status returns the current lifecycle status of a workflow.
func (e *Engine) Status(workflowID string) (schema.WorkflowStatus, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status, nil
}

// Remove discards a terminal workflow instance and its state. Running
// instances cannot be removed.
func (e *Engine) Remove(workflowID string) error {
	inst, err := e.instance(workflowID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	status := inst.status
	inst.mu.Unlock()
	if status != schema.WorkflowStatusCompleted && status != schema.WorkflowStatusFailed {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is still %s", workflowID, status)
	}

	e.mu.Lock()
	delete(e.instances, workflowID)
	e.mu.Unlock()
	e.state.Drop(workflowID)
	return nil
}

// ActiveCount returns the number of tracked (non-removed) instances.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

func (e *Engine) instance(workflowID string) (*workflowInstance, error) {
	e.mu.RLock()
	inst, ok := e.instances[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	return inst, nil
}

// fail moves a locked instance to failed and releases everything tied to it.
func (e *Engine) fail(ctx context.Context, inst *workflowInstance, err *schema.RelayError) *schema.RelayError {
	inst.failure = err
	inst.blocked = nil
	inst.lastBatch = nil
	inst.queue = nil
	if terr := e.transition(ctx, inst, schema.WorkflowStatusFailed); terr != nil {
		e.logger.WarnContext(ctx, "failed-state transition rejected", "error", terr)
		inst.status = schema.WorkflowStatusFailed
	}
	e.pending.Remove(inst.id)
	e.contexts.Remove(inst.id)
	e.persistStatus(ctx, inst)
	e.logger.ErrorContext(ctx, "workflow failed", "code", err.Code, "error", err.Message)
	return err
}

// persistStatus mirrors the instance status into the run record. Best
// effort: persistence failures never affect execution.
func (e *Engine) persistStatus(ctx context.Context, inst *workflowInstance) {
	if e.store == nil {
		return
	}
	update := store.RunUpdate{Status: &inst.status}
	if inst.status == schema.WorkflowStatusCompleted || inst.status == schema.WorkflowStatusFailed {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if inst.failure != nil {
		if raw, merr := json.Marshal(inst.failure); merr == nil {
			update.Error = raw
		}
	}
	if err := e.store.UpdateRun(ctx, inst.id, update); err != nil {
		e.logger.WarnContext(ctx, "run record update failed", "error", err)
	}
}

func (e *Engine) appendEvent(ctx context.Context, workflowID, stepID, eventType string, payload any) {
	if e.events == nil {
		return
	}
	ev := &store.Event{WorkflowID: workflowID, StepID: stepID, Type: eventType}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "event append failed", "event", eventType, "error", err)
	}
}
