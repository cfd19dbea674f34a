package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/pkg/schema"
)

// Manager owns per-workflow-instance state across the three tiers and runs
// the reactive cascade after each successful write batch. All mutation goes
// through Update, which is atomic per call: validate all, apply all against
// a staged copy, cascade, then commit. A rejected batch changes nothing.
type Manager struct {
	transformer *transform.Transformer
	contexts    *ContextRegistry
	logger      *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
}

// instance holds one workflow's three data tiers and its resolved
// computed-field plan. The plan is built once at creation and cached for the
// life of the instance.
type instance struct {
	mu       sync.Mutex
	inputs   map[string]any
	state    map[string]any
	computed map[string]any
	fields   []ResolvedField
}

// NewManager creates a state Manager.
func NewManager(transformer *transform.Transformer, contexts *ContextRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transformer: transformer,
		contexts:    contexts,
		logger:      logger,
		instances:   make(map[string]*instance),
	}
}

// Create seeds a new workflow instance: definition input defaults overlaid
// with the caller's inputs, the definition's initial state, and a full first
// cascade over every computed field. Fails fast on cyclic computed schemas.
func (m *Manager) Create(ctx context.Context, workflowID string, def *schema.WorkflowDefinition, inputs map[string]any) error {
	fields, err := ResolveFields(def.Computed)
	if err != nil {
		return err
	}

	inst := &instance{
		inputs:   deepCopyMap(def.Inputs),
		state:    deepCopyMap(def.State),
		computed: make(map[string]any),
		fields:   fields,
	}
	if inst.inputs == nil {
		inst.inputs = make(map[string]any)
	}
	if inst.state == nil {
		inst.state = make(map[string]any)
	}
	for k, v := range inputs {
		inst.inputs[k] = deepCopyAny(v)
	}

	// Initial cascade over every field.
	globals := m.globalsFor(workflowID)
	if err := m.cascade(ctx, inst.fields, inst.inputs, inst.state, inst.computed, globals, nil, true); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[workflowID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already has state", workflowID)
	}
	m.instances[workflowID] = inst
	return nil
}

// Read returns the full current snapshot. It never triggers recomputation.
func (m *Manager) Read(workflowID string) (*schema.StateSnapshot, error) {
	inst, err := m.get(workflowID)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	return &schema.StateSnapshot{
		Inputs:   deepCopyMap(inst.inputs),
		State:    deepCopyMap(inst.state),
		Computed: deepCopyMap(inst.computed),
	}, nil
}

// Drop discards a workflow instance's state.
func (m *Manager) Drop(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, workflowID)
}

// ValidateUpdatePath is the pure syntactic/tier check, exposed for callers
// that want to verify a path before issuing an update.
func (m *Manager) ValidateUpdatePath(path string) bool {
	return ValidateUpdatePath(path)
}

// Update applies a batch of writes and re-runs the reactive cascade over
// every computed field whose transitive dependency set intersects the changed
// paths. Validation precedes mutation: if any update is invalid the whole
// batch is rejected and nothing changes. Returns the refreshed snapshot.
func (m *Manager) Update(ctx context.Context, workflowID string, updates []schema.StateUpdate) (*schema.StateSnapshot, error) {
	if len(updates) == 0 {
		return m.Read(workflowID)
	}

	inst, err := m.get(workflowID)
	if err != nil {
		return nil, err
	}

	// Validate the whole batch before touching anything.
	type parsedUpdate struct {
		tier string
		key  string
		op   string
		val  any
	}
	parsed := make([]parsedUpdate, len(updates))
	for i, u := range updates {
		tier, key, perr := ParseUpdatePath(u.Path)
		if perr != nil {
			return nil, perr
		}
		op := u.Operation
		if op == "" {
			op = schema.OpSet
		}
		if !knownOperation(op) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown update operation %q at path %q", op, u.Path)
		}
		parsed[i] = parsedUpdate{tier: tier, key: key, op: op, val: u.Value}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	// Stage: all writes and the cascade run against copies, committed only
	// when everything succeeds.
	stagedInputs := deepCopyMap(inst.inputs)
	stagedState := deepCopyMap(inst.state)
	stagedComputed := deepCopyMap(inst.computed)
	stagedGlobals := m.globalsFor(workflowID)
	globalsTouched := false

	changed := make([]string, 0, len(parsed))
	for i, p := range parsed {
		var target map[string]any
		switch p.tier {
		case TierInputs:
			target = stagedInputs
		case TierState:
			target = stagedState
		case TierGlobal:
			if stagedGlobals == nil {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound,
					"no execution context for workflow %s (global.%s)", workflowID, p.key)
			}
			target = stagedGlobals
			globalsTouched = true
		}

		current, _ := getPath(target, p.key)
		next, opErr := applyOperation(current, p.op, p.val)
		if opErr != nil {
			return nil, schema.AsRelayError(opErr, schema.ErrCodeValidation).
				WithDetails(map[string]any{"path": updates[i].Path, "operation": p.op})
		}
		setPath(target, p.key, deepCopyAny(next))
		changed = append(changed, p.tier+"."+p.key)
	}

	if err := m.cascade(ctx, inst.fields, stagedInputs, stagedState, stagedComputed, stagedGlobals, changed, false); err != nil {
		return nil, err
	}

	// Commit.
	inst.inputs = stagedInputs
	inst.state = stagedState
	inst.computed = stagedComputed
	if globalsTouched {
		if ec := m.contexts.Get(workflowID); ec != nil {
			ec.Replace(stagedGlobals)
		}
	}

	return &schema.StateSnapshot{
		Inputs:   deepCopyMap(inst.inputs),
		State:    deepCopyMap(inst.state),
		Computed: deepCopyMap(inst.computed),
	}, nil
}

// cascade re-evaluates computed fields in dependency order. With all=true
// every field runs (initial seed); otherwise only fields whose transitive
// dependency set intersects the changed paths. Writes results into computed
// in place.
func (m *Manager) cascade(ctx context.Context, fields []ResolvedField, inputs, state, computed, globals map[string]any, changed []string, all bool) error {
	dirty := make(map[string]bool, len(fields))

	for _, field := range fields {
		needs := all
		if !needs {
			for _, src := range field.FromPaths {
				if name, isComputed := computedSource(src); isComputed {
					if dirty[name] {
						needs = true
						break
					}
					continue
				}
				for _, ch := range changed {
					if pathsOverlap(src, ch) {
						needs = true
						break
					}
				}
				if needs {
					break
				}
			}
		}
		if !needs {
			continue
		}
		dirty[field.Name] = true

		value, err := m.evaluateField(ctx, &field, inputs, state, computed, globals)
		if err != nil {
			switch field.OnError {
			case schema.OnErrorUseFallback:
				computed[field.Name] = deepCopyAny(field.Fallback)
				continue
			case schema.OnErrorIgnore:
				// Previous value stays in place.
				m.logger.DebugContext(ctx, "computed field error ignored",
					slog.String("field", field.Name), slog.String("error", err.Error()))
				continue
			default:
				return schema.AsRelayError(err, schema.ErrCodeTransform).
					WithDetails(map[string]any{"field": field.Name})
			}
		}
		computed[field.Name] = deepCopyAny(value)
	}

	return nil
}

// evaluateField binds a field's from_paths and applies its transform.
// A single source binds input directly; multiple sources bind positionally
// as input[0], input[1], ...
func (m *Manager) evaluateField(ctx context.Context, field *ResolvedField, inputs, state, computed, globals map[string]any) (any, error) {
	resolve := func(src string) any {
		tier, key, ok := splitSource(src)
		if !ok {
			return nil
		}
		var root map[string]any
		switch tier {
		case TierInputs:
			root = inputs
		case TierState:
			root = state
		case TierComputed:
			root = computed
		case TierGlobal:
			root = globals
		default:
			return nil
		}
		v, _ := getPath(root, key)
		return v
	}

	var bound any
	if len(field.FromPaths) == 1 {
		bound = resolve(field.FromPaths[0])
	} else {
		values := make([]any, len(field.FromPaths))
		for i, src := range field.FromPaths {
			values[i] = resolve(src)
		}
		bound = values
	}

	return m.transformer.Apply(ctx, field.Transform, bound)
}

func (m *Manager) get(workflowID string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no state for workflow %s", workflowID)
	}
	return inst, nil
}

// globalsFor returns a staged copy of the workflow's global variables, or
// nil when no execution context exists.
func (m *Manager) globalsFor(workflowID string) map[string]any {
	if m.contexts == nil {
		return nil
	}
	ec := m.contexts.Get(workflowID)
	if ec == nil {
		return nil
	}
	return ec.Snapshot()
}

func computedSource(src string) (name string, ok bool) {
	tier, key, valid := splitSource(src)
	if !valid || tier != TierComputed {
		return "", false
	}
	name, _, _ = splitFirst(key)
	return name, true
}

func splitSource(src string) (tier, key string, ok bool) {
	tier, key, ok = splitFirst(src)
	return tier, key, ok && key != ""
}

func splitFirst(s string) (head, tail string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
