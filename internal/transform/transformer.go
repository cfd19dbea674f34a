package transform

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/relay/pkg/schema"
)

// Transformer evaluates computed-field transform expressions against a single
// bound value "input". Transforms are a restricted expression subset compiled
// to a parsed AST, never a general eval: only the input binding and the
// Math/JSON helper namespaces are visible, so untrusted transform strings
// cannot reach outside the sandbox.
//
// Supported: arithmetic and comparison operators, the ternary conditional,
// string operations (upper, lower, trim, split, slicing), array operations
// (filter, map), backtick template literals, Math.* helpers, and
// JSON.parse / JSON.stringify.
//
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type Transformer struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewTransformer creates a new Transformer with an empty program cache.
func NewTransformer() *Transformer {
	return &Transformer{
		cache: make(map[string]*vm.Program),
	}
}

// transformEnv is the fixed expression environment. Input is declared as any
// so operators and indexing resolve against the runtime value; unknown
// identifiers are still compile errors, not silent nil lookups.
type transformEnv struct {
	Input any            `expr:"input"`
	Math  map[string]any `expr:"Math"`
	JSON  map[string]any `expr:"JSON"`
}

// Apply evaluates a transform against the bound input value. When a field has
// multiple from_paths, input is a positionally bound []any (input[0], input[1], ...).
//
// Failure modes surface as typed errors: parse errors and unknown identifiers
// fail compilation, runtime type mismatches fail evaluation, and a transform
// that evaluates to null (typically a missing property access) is reported as
// a transform error rather than silently stored.
func (t *Transformer) Apply(ctx context.Context, transform string, input any) (any, error) {
	if transform == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty transform expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "transform cancelled").WithCause(err)
	}

	prg, err := t.getOrCompile(transform)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, transformEnv{Input: input, Math: mathHelpers, JSON: jsonHelpers})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"transform evaluation failed for %q: %s", transform, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"transform": transform})
	}

	if out == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"transform %q evaluated to null (missing property access?)", transform).
			WithDetails(map[string]any{"transform": transform})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
// Template literals are rewritten into plain string concatenation before compilation.
func (t *Transformer) getOrCompile(transform string) (*vm.Program, error) {
	t.mu.RLock()
	if prg, ok := t.cache[transform]; ok {
		t.mu.RUnlock()
		return prg, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := t.cache[transform]; ok {
		return prg, nil
	}

	rewritten, err := rewriteTemplateLiterals(transform)
	if err != nil {
		return nil, err
	}

	prg, err := expr.Compile(rewritten, expr.Env(transformEnv{}))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"transform compile error in %q: %s", transform, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"transform": transform})
	}

	t.cache[transform] = prg
	return prg, nil
}
