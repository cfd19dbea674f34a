package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultFilter_EmptyFilterPassesThrough(t *testing.T) {
	f := NewResultFilter()
	value := map[string]any{"a": 1}

	out, err := f.Apply(context.Background(), "", value)
	require.NoError(t, err)
	assert.Equal(t, value, out)
}

func TestResultFilter_FieldAccess(t *testing.T) {
	f := NewResultFilter()
	value := map[string]any{"data": map[string]any{"id": "abc"}}

	out, err := f.Apply(context.Background(), ".data.id", value)
	require.NoError(t, err)
	assert.Equal(t, "abc", out)
}

func TestResultFilter_Length(t *testing.T) {
	f := NewResultFilter()
	value := map[string]any{"items": []any{1, 2, 3}}

	out, err := f.Apply(context.Background(), ".items | length", value)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestResultFilter_MultipleOutputsCollected(t *testing.T) {
	f := NewResultFilter()
	value := []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
	}

	out, err := f.Apply(context.Background(), ".[].name", value)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestResultFilter_ZeroOutputsIsNil(t *testing.T) {
	f := NewResultFilter()

	out, err := f.Apply(context.Background(), ".[]", []any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestResultFilter_ParseErrorIsTyped(t *testing.T) {
	f := NewResultFilter()
	_, err := f.Apply(context.Background(), ".[unterminated", nil)
	require.Error(t, err)
}

func TestResultFilter_EnvIsBlocked(t *testing.T) {
	t.Setenv("RELAY_SECRET", "nope")
	f := NewResultFilter()

	out, err := f.Apply(context.Background(), `$ENV.RELAY_SECRET`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}
