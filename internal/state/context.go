package state

import (
	"sync"

	"github.com/rendis/relay/pkg/schema"
)

// ExecutionContext is the per-run scope shared by a root workflow and all of
// its sub-agent children. Global variables live here, distinct from the
// workflow's own state tier. Safe for concurrent use.
type ExecutionContext struct {
	WorkflowID string

	mu      sync.RWMutex
	globals map[string]any
}

// NewExecutionContext creates an ExecutionContext for the given root run.
func NewExecutionContext(workflowID string) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID: workflowID,
		globals:    make(map[string]any),
	}
}

// Get returns the global variable at the dotted key.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := getPath(ec.globals, key)
	return deepCopyAny(v), ok
}

// Set writes a global variable at the dotted key.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	setPath(ec.globals, key, deepCopyAny(value))
}

// Snapshot returns a deep copy of all global variables.
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return deepCopyMap(ec.globals)
}

// Replace swaps the entire global variable map. Used to commit a staged
// update batch atomically.
func (ec *ExecutionContext) Replace(globals map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.globals = deepCopyMap(globals)
}

// ContextRegistry tracks live execution contexts. One registry is constructed
// per server instance and injected where needed; there is no process-wide
// singleton.
type ContextRegistry struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
}

// NewContextRegistry creates an empty ContextRegistry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{
		contexts: make(map[string]*ExecutionContext),
	}
}

// Create registers a new ExecutionContext for a root run.
// Returns an error if one already exists for the workflow.
func (r *ContextRegistry) Create(workflowID string) (*ExecutionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contexts[workflowID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution context for workflow %s already exists", workflowID)
	}

	ec := NewExecutionContext(workflowID)
	r.contexts[workflowID] = ec
	return ec, nil
}

// Get returns the ExecutionContext for a workflow, or nil if absent.
func (r *ContextRegistry) Get(workflowID string) *ExecutionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contexts[workflowID]
}

// Remove destroys the ExecutionContext when a run and all its descendants
// terminate.
func (r *ContextRegistry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, workflowID)
}

// Count returns the number of live contexts.
func (r *ContextRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
