package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/rendis/relay/pkg/schema"
)

func fieldNames(fields []ResolvedField) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func TestResolveFields_DeclarationOrderWithoutDeps(t *testing.T) {
	fields, err := ResolveFields([]schema.ComputedField{
		{Name: "b", FromPaths: []string{"state.x"}, Transform: "input"},
		{Name: "a", FromPaths: []string{"state.y"}, Transform: "input"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, fieldNames(fields))
}

func TestResolveFields_DependencyOrdersFirst(t *testing.T) {
	fields, err := ResolveFields([]schema.ComputedField{
		{Name: "total_with_tax", FromPaths: []string{"computed.total"}, Transform: "input * 1.19"},
		{Name: "total", FromPaths: []string{"state.net"}, Transform: "input"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"total", "total_with_tax"}, fieldNames(fields))
}

func TestResolveFields_NestedComputedAccess(t *testing.T) {
	fields, err := ResolveFields([]schema.ComputedField{
		{Name: "summary", FromPaths: []string{"computed.totals.sum"}, Transform: "input"},
		{Name: "totals", FromPaths: []string{"state.values"}, Transform: "input"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"totals", "summary"}, fieldNames(fields))
}

func TestResolveFields_CycleDetected(t *testing.T) {
	_, err := ResolveFields([]schema.ComputedField{
		{Name: "a", FromPaths: []string{"computed.b"}, Transform: "input"},
		{Name: "b", FromPaths: []string{"computed.a"}, Transform: "input"},
	})
	require.Error(t, err)

	rerr := schema.AsRelayError(err, "")
	assert.Equal(t, schema.ErrCodeCycleDetected, rerr.Code)
	assert.Contains(t, rerr.Message, "->")
}

func TestResolveFields_SelfReferenceIsCycle(t *testing.T) {
	_, err := ResolveFields([]schema.ComputedField{
		{Name: "a", FromPaths: []string{"computed.a"}, Transform: "input"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.AsRelayError(err, "").Code)
}

func TestResolveFields_UnknownComputedDep(t *testing.T) {
	_, err := ResolveFields([]schema.ComputedField{
		{Name: "a", FromPaths: []string{"computed.missing"}, Transform: "input"},
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.AsRelayError(err, "").Code)
}

func TestResolveFields_DeclarationErrors(t *testing.T) {
	cases := []struct {
		name   string
		fields []schema.ComputedField
	}{
		{"empty name", []schema.ComputedField{{FromPaths: []string{"state.x"}, Transform: "input"}}},
		{"duplicate name", []schema.ComputedField{
			{Name: "a", FromPaths: []string{"state.x"}, Transform: "input"},
			{Name: "a", FromPaths: []string{"state.y"}, Transform: "input"},
		}},
		{"no from_paths", []schema.ComputedField{{Name: "a", Transform: "input"}}},
		{"no transform", []schema.ComputedField{{Name: "a", FromPaths: []string{"state.x"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveFields(tc.fields)
			require.Error(t, err)
		})
	}
}

func TestResolveFields_NormalizesAliases(t *testing.T) {
	fields, err := ResolveFields([]schema.ComputedField{
		{Name: "a", FromPaths: []string{"this.x", "raw.y"}, Transform: "input[0]"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"state.x", "state.y"}, fields[0].FromPaths)
	assert.Equal(t, schema.OnErrorPropagate, fields[0].OnError)
}
