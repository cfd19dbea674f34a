package schema

// WorkflowStatus is the lifecycle state of a running workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending        WorkflowStatus = "pending"
	WorkflowStatusBlockedOnAgent WorkflowStatus = "blocked_on_agent"
	WorkflowStatusCompleted      WorkflowStatus = "completed"
	WorkflowStatusFailed         WorkflowStatus = "failed"
)

// StepResultStatus is the outcome classification of a single processed step.
type StepResultStatus string

const (
	StepStatusSuccess StepResultStatus = "success"
	StepStatusFailed  StepResultStatus = "failed"
	StepStatusWait    StepResultStatus = "wait"
)

// ExecutionType distinguishes who performs a step's action.
type ExecutionType string

const (
	ExecutionServer ExecutionType = "server"
	ExecutionAgent  ExecutionType = "agent"
)

// AgentAction is the client-visible instruction attached to an agent step.
type AgentAction struct {
	Type       string         `json:"type"` // mcp_call, user_message, user_input, shell_command, agent_command
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Message    string         `json:"message,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Choices    []string       `json:"choices,omitempty"`
	Command    string         `json:"command,omitempty"`
	Args       []string       `json:"args,omitempty"`
	Blocking   bool           `json:"blocking,omitempty"` // requires step_complete before the scan resumes
}

// StepResult is what a step processor produces for one step.
type StepResult struct {
	StepID        string           `json:"step_id"`
	Type          StepType         `json:"type"`
	Status        StepResultStatus `json:"status"`
	ExecutionType ExecutionType    `json:"execution_type,omitempty"`
	AgentAction   *AgentAction     `json:"agent_action,omitempty"`
	WaitForClient bool             `json:"wait_for_client,omitempty"`
	Message       string           `json:"message,omitempty"`
	Skipped       bool             `json:"skipped,omitempty"`
	Output        any              `json:"output,omitempty"`
	Error         *RelayError      `json:"error,omitempty"`
}

// ServerCompleted reports whether the step was fully executed by the engine
// without client involvement.
func (r *StepResult) ServerCompleted() bool {
	return r.Status == StepStatusSuccess && r.AgentAction == nil && !r.WaitForClient
}

// StepBatch is the result of one get_next_step call.
type StepBatch struct {
	WorkflowID           string       `json:"workflow_id"`
	Steps                []StepResult `json:"steps"`
	ServerCompletedSteps []StepResult `json:"server_completed_steps"`
	Waiting              bool         `json:"waiting,omitempty"`
	Message              string       `json:"message,omitempty"`
	Completed            bool         `json:"completed,omitempty"`
}

// StateSnapshot is the full three-tier view of a workflow instance's data.
type StateSnapshot struct {
	Inputs   map[string]any `json:"inputs"`
	State    map[string]any `json:"state"`
	Computed map[string]any `json:"computed"`
}
