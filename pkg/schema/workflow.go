package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format.
// Agents provide this via relay.start (inline or by path).
type WorkflowDefinition struct {
	Name     string           `json:"name,omitempty"`
	Steps    []StepDefinition `json:"steps"`
	Inputs   map[string]any   `json:"inputs,omitempty"`   // default values for the inputs tier
	State    map[string]any   `json:"state,omitempty"`    // initial values for the state tier
	Computed []ComputedField  `json:"computed,omitempty"` // declaration order is significant
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// ComputedField declares a derived value recalculated whenever any of its
// source paths change. Declared once at definition time, immutable thereafter.
type ComputedField struct {
	Name      string        `json:"name"`
	FromPaths []string      `json:"from_paths"`
	Transform string        `json:"transform"`
	OnError   OnErrorPolicy `json:"on_error,omitempty"`
	Fallback  any           `json:"fallback,omitempty"`
}

// OnErrorPolicy controls how a computed field reacts to transform failures.
type OnErrorPolicy string

const (
	OnErrorPropagate   OnErrorPolicy = "propagate" // default
	OnErrorUseFallback OnErrorPolicy = "use_fallback"
	OnErrorIgnore      OnErrorPolicy = "ignore"
)

// StepDefinition describes a single step in a workflow. Definition carries
// the type-specific payload, decoded by the matching step processor.
type StepDefinition struct {
	ID         string          `json:"id"`
	Type       StepType        `json:"type"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepStateUpdate        StepType = "state_update"
	StepBatchStateUpdate   StepType = "batch_state_update"
	StepMCPCall            StepType = "mcp_call"
	StepInternalMCPCall    StepType = "internal_mcp_call"
	StepUserMessage        StepType = "user_message"
	StepUserInput          StepType = "user_input"
	StepConditionalMessage StepType = "conditional_message"
	StepWait               StepType = "wait"
	StepConditional        StepType = "conditional"
	StepWhileLoop          StepType = "while_loop"
	StepForeach            StepType = "foreach"
	StepParallelForeach    StepType = "parallel_foreach"
	StepBreak              StepType = "break"
	StepContinue           StepType = "continue"
	StepShellCommand       StepType = "shell_command"
	StepAgentCommand       StepType = "agent_command"
)

// ValidStepTypes is the closed set of recognized step types.
var ValidStepTypes = map[StepType]bool{
	StepStateUpdate:        true,
	StepBatchStateUpdate:   true,
	StepMCPCall:            true,
	StepInternalMCPCall:    true,
	StepUserMessage:        true,
	StepUserInput:          true,
	StepConditionalMessage: true,
	StepWait:               true,
	StepConditional:        true,
	StepWhileLoop:          true,
	StepForeach:            true,
	StepParallelForeach:    true,
	StepBreak:              true,
	StepContinue:           true,
	StepShellCommand:       true,
	StepAgentCommand:       true,
}

// StateUpdate is one requested mutation of a workflow's state.
type StateUpdate struct {
	Path      string `json:"path"`
	Value     any    `json:"value,omitempty"`
	Operation string `json:"operation,omitempty"` // set (default), increment, decrement, multiply, append
}

// Update operations applied against the pre-update current value.
const (
	OpSet       = "set"
	OpIncrement = "increment"
	OpDecrement = "decrement"
	OpMultiply  = "multiply"
	OpAppend    = "append"
)

// --- Type-specific step payloads ---

// StateUpdateConfig is the payload for state_update and batch_state_update.
// state_update uses the single Path/Value/Operation fields; batch_state_update
// uses Updates.
type StateUpdateConfig struct {
	Path      string        `json:"path,omitempty"`
	Value     any           `json:"value,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Updates   []StateUpdate `json:"updates,omitempty"`
}

// MCPCallConfig is the payload for mcp_call and internal_mcp_call.
// StateUpdate and StoreResult are applied when the call is acknowledged.
// ResultFilter is an optional jq expression applied to the acknowledged
// result before it is stored.
type MCPCallConfig struct {
	Tool         string         `json:"tool"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	StateUpdate  *StateUpdate   `json:"state_update,omitempty"`
	StoreResult  string         `json:"store_result,omitempty"`
	ResultFilter string         `json:"result_filter,omitempty"`
}

// MessageConfig is the payload for user_message and conditional_message.
type MessageConfig struct {
	Message   string `json:"message"`
	Condition string `json:"condition,omitempty"` // conditional_message only
	Format    string `json:"format,omitempty"`    // plain (default) | markdown
}

// UserInputConfig is the payload for user_input steps.
type UserInputConfig struct {
	Prompt      string   `json:"prompt"`
	StateUpdate string   `json:"state_update,omitempty"` // path the response is written to
	Choices     []string `json:"choices,omitempty"`
}

// WaitConfig is the payload for wait steps.
type WaitConfig struct {
	Message string `json:"message,omitempty"`
}

// ConditionalConfig is the payload for conditional steps.
type ConditionalConfig struct {
	Condition string           `json:"condition"`
	ThenSteps []StepDefinition `json:"then_steps,omitempty"`
	ElseSteps []StepDefinition `json:"else_steps,omitempty"`
}

// WhileLoopConfig is the payload for while_loop steps.
type WhileLoopConfig struct {
	Condition     string           `json:"condition"`
	Body          []StepDefinition `json:"body"`
	MaxIterations int              `json:"max_iterations,omitempty"`
}

// ForeachConfig is the payload for foreach and parallel_foreach steps.
// Items is either an expression producing a list or a literal list.
type ForeachConfig struct {
	Items          any              `json:"items"`
	ItemVar        string           `json:"item_var,omitempty"` // default "item"
	Body           []StepDefinition `json:"body"`
	MaxParallel    int              `json:"max_parallel,omitempty"`    // parallel_foreach only
	TimeoutSeconds float64          `json:"timeout_seconds,omitempty"` // parallel_foreach only
	ErrorIsolation *bool            `json:"error_isolation,omitempty"` // parallel_foreach only, default true
	StoreResult    string           `json:"store_result,omitempty"`
}

// CommandConfig is the payload for shell_command and agent_command steps.
type CommandConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StateUpdate *StateUpdate      `json:"state_update,omitempty"`
	StoreResult string            `json:"store_result,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
}
