package transform

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/relay/pkg/schema"
)

// ResultFilter applies jq expressions to acknowledged step results before
// they are stored, e.g. ".items | length" or ".data.id".
// Thread-safe: compiled *gojq.Code objects are cached and reused.
type ResultFilter struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewResultFilter creates a new ResultFilter with an empty code cache.
func NewResultFilter() *ResultFilter {
	return &ResultFilter{
		cache: make(map[string]*gojq.Code),
	}
}

// Apply runs a jq filter against the given value. When the filter yields
// exactly one output it is returned directly; multiple outputs are collected
// into a slice; zero outputs return nil.
func (f *ResultFilter) Apply(ctx context.Context, filter string, value any) (any, error) {
	if filter == "" {
		return value, nil
	}

	code, err := f.getOrCompile(filter)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(value))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"result filter failed for %q: %s", filter, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"filter": filter})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (f *ResultFilter) getOrCompile(filter string) (*gojq.Code, error) {
	f.mu.RLock()
	if code, ok := f.cache[filter]; ok {
		f.mu.RUnlock()
		return code, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if code, ok := f.cache[filter]; ok {
		return code, nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"result filter parse error in %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}

	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"result filter compile error in %q: %s", filter, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"filter": filter})
	}

	f.cache[filter] = code
	return code, nil
}

// normalizeForJQ converts Go native number types to float64, matching jq's
// native number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
