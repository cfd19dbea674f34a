package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolateString(t *testing.T) {
	flat := map[string]any{
		"state.service":  "billing",
		"inputs.env":     "prod",
		"state.count":    3,
		"state.tags":     []any{"a", "b"},
		"state.enabled":  true,
		"computed.ratio": 0.5,
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no placeholders", "plain text", "plain text"},
		{"single reference", "deploy ${state.service}", "deploy billing"},
		{"multiple references", "deploy ${state.service} to ${inputs.env}", "deploy billing to prod"},
		{"numeric value", "count is ${state.count}", "count is 3"},
		{"boolean value", "enabled: ${state.enabled}", "enabled: true"},
		{"list rendered as json", "tags: ${state.tags}", `tags: ["a","b"]`},
		{"unknown path left untouched", "value: ${state.missing}", "value: ${state.missing}"},
		{"unterminated reference", "broken ${state.service", "broken ${state.service"},
		{"whitespace inside braces", "env ${ inputs.env }", "env prod"},
		{"adjacent references", "${state.service}${inputs.env}", "billingprod"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, interpolateString(tt.in, flat))
		})
	}
}

func TestInterpolateValue_PreservesTypes(t *testing.T) {
	flat := map[string]any{
		"state.count": 7,
		"state.user":  map[string]any{"name": "ada"},
	}

	// A parameter that is exactly one reference keeps the resolved type.
	assert.Equal(t, 7, interpolateValue("${state.count}", flat))
	assert.Equal(t, map[string]any{"name": "ada"}, interpolateValue("${state.user}", flat))

	// Mixed text falls back to string interpolation.
	assert.Equal(t, "n=7", interpolateValue("n=${state.count}", flat))
}

func TestInterpolateParams_Nested(t *testing.T) {
	flat := map[string]any{"state.id": "x1", "state.n": 2}

	got := interpolateParams(map[string]any{
		"id":    "${state.id}",
		"label": "item ${state.n}",
		"meta": map[string]any{
			"ref": "${state.id}",
		},
		"list":  []any{"${state.n}", "static"},
		"count": 5,
	}, flat)

	assert.Equal(t, "x1", got["id"])
	assert.Equal(t, "item 2", got["label"])
	assert.Equal(t, map[string]any{"ref": "x1"}, got["meta"])
	assert.Equal(t, []any{2, "static"}, got["list"])
	assert.Equal(t, 5, got["count"])
}

func TestFlatWithItem(t *testing.T) {
	scope := &Scope{
		HasItem: true,
		Item:    map[string]any{"id": "svc-1", "port": 8080},
		Index:   2,
		ItemVar: "svc",
	}
	cs, _ := (&Scope{State: newFakeState(map[string]any{"env": "prod"}), WorkflowID: "wf"}).ConditionScope()

	flat := flatWithItem(cs, scope)

	assert.Equal(t, map[string]any{"id": "svc-1", "port": 8080}, flat["svc"])
	assert.Equal(t, 2, flat["index"])
	assert.Equal(t, "svc-1", flat["svc.id"])
	assert.Equal(t, 8080, flat["svc.port"])
	assert.Equal(t, "prod", flat["state.env"])
}
