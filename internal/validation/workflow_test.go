package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator()
	require.NoError(t, err)
	return v
}

func mkStep(id string, typ schema.StepType, def string) schema.StepDefinition {
	s := schema.StepDefinition{ID: id, Type: typ}
	if def != "" {
		s.Definition = json.RawMessage(def)
	}
	return s
}

func mkDef(steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "test", Steps: steps}
}

func errorMessages(result *schema.ValidationResult) []string {
	out := make([]string, len(result.Errors))
	for i, issue := range result.Errors {
		out[i] = issue.Message
	}
	return out
}

func TestValidate_ValidWorkflow(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(mkDef(
		mkStep("init", schema.StepStateUpdate, `{"path": "state.count", "value": 0}`),
		mkStep("call", schema.StepMCPCall, `{"tool": "deploy", "store_result": "state.result"}`),
		mkStep("done", schema.StepUserMessage, `{"message": "finished"}`),
	))

	assert.True(t, result.Valid(), "errors: %v", errorMessages(result))
	assert.Empty(t, result.Errors)
	assert.NoError(t, v.ValidateDefinition(mkDef(
		mkStep("s", schema.StepWait, ""),
	)))
}

func TestValidate_StructuralFailures(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{"no steps", mkDef()},
		{"missing step id", mkDef(schema.StepDefinition{Type: schema.StepWait})},
		{"unknown step type", mkDef(schema.StepDefinition{ID: "x", Type: "teleport"})},
		{"duplicate step ids", mkDef(
			mkStep("a", schema.StepWait, ""),
			mkStep("a", schema.StepWait, ""),
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.def)
			assert.False(t, result.Valid())
			assert.Error(t, v.ValidateDefinition(tt.def))
		})
	}
}

func TestValidate_SemanticFailures(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		step    schema.StepDefinition
		wantMsg string
	}{
		{"state_update without path",
			mkStep("s", schema.StepStateUpdate, `{"value": 1}`), "path"},
		{"state_update bad operation",
			mkStep("s", schema.StepStateUpdate, `{"path": "state.x", "operation": "divide"}`), "operation"},
		{"state_update computed path",
			mkStep("s", schema.StepStateUpdate, `{"path": "computed.total", "value": 1}`), "computed.total"},
		{"batch without updates",
			mkStep("s", schema.StepBatchStateUpdate, `{"updates": []}`), "at least one update"},
		{"mcp_call without tool",
			mkStep("s", schema.StepMCPCall, `{}`), "tool"},
		{"user_message without message",
			mkStep("s", schema.StepUserMessage, `{}`), "message"},
		{"conditional_message without condition",
			mkStep("s", schema.StepConditionalMessage, `{"message": "m"}`), "condition"},
		{"user_input without prompt",
			mkStep("s", schema.StepUserInput, `{}`), "prompt"},
		{"conditional without condition",
			mkStep("s", schema.StepConditional, `{"then_steps": [{"id": "t", "type": "wait"}]}`), "condition"},
		{"while_loop without body",
			mkStep("s", schema.StepWhileLoop, `{"condition": "state.x"}`), "body"},
		{"foreach without items",
			mkStep("s", schema.StepForeach, `{"body": [{"id": "b", "type": "wait"}]}`), "items"},
		{"break outside loop",
			mkStep("s", schema.StepBreak, ""), "loop"},
		{"continue outside loop",
			mkStep("s", schema.StepContinue, ""), "loop"},
		{"shell_command without command",
			mkStep("s", schema.StepShellCommand, `{}`), "command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(mkDef(tt.step))
			require.False(t, result.Valid())

			msgs := errorMessages(result)
			found := false
			for _, m := range msgs {
				if strings.Contains(m, tt.wantMsg) {
					found = true
					break
				}
			}
			assert.True(t, found, "no error mentioning %q in %v", tt.wantMsg, msgs)
		})
	}
}

func TestValidate_IssuesCarryCodeAndStep(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(mkDef(mkStep("call", schema.StepMCPCall, `{}`)))
	require.False(t, result.Valid())
	assert.Equal(t, schema.IssueMissingField, result.Errors[0].Code)
	assert.Equal(t, "call", result.Errors[0].StepID)

	result = v.Validate(mkDef(mkStep("stop", schema.StepBreak, "")))
	require.False(t, result.Valid())
	assert.Equal(t, schema.IssueMisplaced, result.Errors[0].Code)
	assert.Equal(t, "stop", result.Errors[0].StepID)

	def := mkDef(mkStep("s", schema.StepWait, ""))
	def.Computed = []schema.ComputedField{
		{Name: "a", FromPaths: []string{"computed.a"}, Transform: "input"},
	}
	result = v.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.IssueCycle, result.Errors[0].Code)

	err := v.ValidateDefinition(mkDef(mkStep("call", schema.StepMCPCall, `{}`)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "call"`)
}

func TestValidate_LoopNesting(t *testing.T) {
	v := newValidator(t)

	// break inside a loop body is fine, including through a conditional.
	result := v.Validate(mkDef(
		mkStep("loop", schema.StepWhileLoop, `{
			"condition": "state.go",
			"body": [{"id": "guard", "type": "conditional", "definition": {
				"condition": "state.stop",
				"then_steps": [{"id": "stop", "type": "break"}]
			}}]
		}`),
	))
	assert.True(t, result.Valid(), "errors: %v", errorMessages(result))
}

func TestValidate_ParallelBodyRestrictions(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(mkDef(
		mkStep("fan", schema.StepParallelForeach, `{
			"items": [1],
			"body": [{"id": "call", "type": "mcp_call", "definition": {"tool": "t"}}]
		}`),
	))
	assert.False(t, result.Valid())

	result = v.Validate(mkDef(
		mkStep("fan", schema.StepParallelForeach, `{
			"items": [1],
			"body": [{"id": "inner", "type": "while_loop", "definition": {
				"condition": "state.x",
				"body": [{"id": "b", "type": "state_update", "definition": {"path": "state.y", "value": 1}}]
			}}]
		}`),
	))
	assert.False(t, result.Valid())

	// Server-side bodies with conditionals are allowed.
	result = v.Validate(mkDef(
		mkStep("fan", schema.StepParallelForeach, `{
			"items": [1],
			"body": [{"id": "branch", "type": "conditional", "definition": {
				"condition": "state.flag",
				"then_steps": [{"id": "w", "type": "state_update", "definition": {"path": "state.y", "value": 1}}]
			}}]
		}`),
	))
	assert.True(t, result.Valid(), "errors: %v", errorMessages(result))
}

func TestValidate_ComputedCycle(t *testing.T) {
	v := newValidator(t)

	def := mkDef(mkStep("s", schema.StepWait, ""))
	def.Computed = []schema.ComputedField{
		{Name: "a", FromPaths: []string{"computed.b"}, Transform: "input"},
		{Name: "b", FromPaths: []string{"computed.a"}, Transform: "input"},
	}

	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.NotEmpty(t, result.Errors)
}

func TestValidate_EmptyConditionalBranchWarns(t *testing.T) {
	v := newValidator(t)

	result := v.Validate(mkDef(
		mkStep("branch", schema.StepConditional, `{"condition": "state.x"}`),
	))

	assert.True(t, result.Valid(), "warnings alone do not invalidate")
	require.NotEmpty(t, result.Warnings)
	assert.Equal(t, schema.SeverityWarning, result.Warnings[0].Severity)
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["env"],
		"properties": {"env": {"type": "string", "enum": ["dev", "prod"]}}
	}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"env": "prod"}, inputSchema))

	err := v.ValidateInput(map[string]any{"env": "staging"}, inputSchema)
	require.Error(t, err)

	err = v.ValidateInput(map[string]any{}, inputSchema)
	require.Error(t, err)
}
