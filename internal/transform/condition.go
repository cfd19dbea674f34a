package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/relay/pkg/schema"
)

// ConditionScope is the data visible to control-flow conditions.
type ConditionScope struct {
	Inputs   map[string]any
	State    map[string]any
	Computed map[string]any
	Global   map[string]any
	Item     any // loop iteration value (nil outside loops)
	Index    int // loop iteration index
}

// ConditionEngine evaluates step conditions. Two grammars are accepted:
//
//  1. Simple comparisons over the flattened state, e.g. "state.retries > 3",
//     "status == done", or a bare path tested for truthiness.
//  2. CEL expressions over the inputs/state/computed/global namespaces.
//
// The simple grammar is tried first; anything it cannot parse is compiled
// as CEL. Thread-safe: compiled programs are cached and reused.
type ConditionEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEngine creates a ConditionEngine with a sandboxed CEL environment.
func NewConditionEngine() (*ConditionEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("inputs", mapType),
		cel.Variable("state", mapType),
		cel.Variable("computed", mapType),
		cel.Variable("global", mapType),
		cel.Variable("item", cel.DynType),
		cel.Variable("index", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &ConditionEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Eval evaluates a condition to a boolean. Non-boolean results are reduced
// by truthiness (non-zero, non-empty, non-nil).
func (e *ConditionEngine) Eval(ctx context.Context, condition string, scope *ConditionScope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}
	if err := ctx.Err(); err != nil {
		return false, schema.NewError(schema.ErrCodeCancelled, "condition cancelled").WithCause(err)
	}

	if result, ok := evalSimpleCondition(condition, FlattenScope(scope)); ok {
		return result, nil
	}

	prg, err := e.getOrCompile(condition)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation(scope))
	if err != nil {
		// Selecting a key that has not been written yet is a CEL eval error.
		// Those keys read as absent, so the condition is simply false.
		if isMissingKeyErr(err) {
			return false, nil
		}
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition evaluation failed for %q: %s", condition, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"condition": condition})
	}

	return Truthy(out.Value()), nil
}

func (e *ConditionEngine) getOrCompile(condition string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[condition]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[condition]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", condition, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"condition": condition})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error in %q: %s", condition, err.Error()).
			WithCause(err)
	}

	e.cache[condition] = prg
	return prg, nil
}

func activation(scope *ConditionScope) map[string]any {
	if scope == nil {
		scope = &ConditionScope{}
	}
	act := map[string]any{
		"inputs":   orEmpty(scope.Inputs),
		"state":    orEmpty(scope.State),
		"computed": orEmpty(scope.Computed),
		"global":   orEmpty(scope.Global),
		"index":    scope.Index,
	}
	// CEL rejects untyped nils for dyn variables.
	if scope.Item != nil {
		act["item"] = scope.Item
	} else {
		act["item"] = map[string]any{}
	}
	return act
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Simple comparison grammar ---

// simpleOps in scan order: two-char operators before one-char ones.
var simpleOps = []string{"==", "!=", ">", "<"}

// evalSimpleCondition handles "lhs op rhs" with ==, !=, >, < over the
// flattened scope, and bare-path truthiness. Returns ok=false when the
// condition does not fit the grammar (caller falls back to CEL).
func evalSimpleCondition(condition string, flat map[string]any) (result bool, ok bool) {
	for _, op := range simpleOps {
		idx := strings.Index(condition, op)
		if idx < 0 {
			continue
		}
		lhs := strings.TrimSpace(condition[:idx])
		rhs := strings.TrimSpace(condition[idx+len(op):])
		if lhs == "" || rhs == "" || strings.ContainsAny(rhs, "=<>(") {
			return false, false
		}

		left, found := flat[lhs]
		if !found {
			if !tierPath(lhs) {
				return false, false
			}
			// A key not yet written compares as nil.
			left = nil
		}
		right := parseLiteral(rhs)

		switch op {
		case "==":
			return looseEqual(left, right), true
		case "!=":
			return !looseEqual(left, right), true
		case ">", "<":
			lf, lerr := toFloat(left)
			rf, rerr := toFloat(right)
			if lerr != nil || rerr != nil {
				if !found {
					// Absent is neither greater nor less than anything.
					return false, true
				}
				return false, false
			}
			if op == ">" {
				return lf > rf, true
			}
			return lf < rf, true
		}
	}

	// Bare path: truthiness of the resolved value. An unwritten tier path
	// is falsy rather than a CEL error.
	if val, found := flat[condition]; found {
		return Truthy(val), true
	}
	if tierPath(condition) {
		return false, true
	}
	return false, false
}

var tierPrefixes = []string{"inputs.", "state.", "computed.", "global."}

// tierPath reports whether s is a plain dotted reference into one of the
// scope tiers. Such references resolve to nil when the key is absent instead
// of falling through to CEL, where selecting a missing map key errors.
func tierPath(s string) bool {
	var rest string
	for _, p := range tierPrefixes {
		if strings.HasPrefix(s, p) {
			rest = s[len(p):]
			break
		}
	}
	if rest == "" {
		return false
	}
	for _, seg := range strings.Split(rest, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !isIdentRune(r) {
				return false
			}
		}
	}
	return true
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isMissingKeyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such key") || strings.Contains(msg, "no such attribute")
}

// parseLiteral interprets the right-hand side of a simple comparison:
// quoted strings, numbers, booleans, or a bare string.
func parseLiteral(s string) any {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if s == "null" {
		return nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func looseEqual(a, b any) bool {
	af, aerr := toFloat(a)
	bf, berr := toFloat(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// FlattenScope produces the dotted-path view used by the simple condition
// grammar and by parameter interpolation: "state.user.name", "inputs.count",
// plus tier-less state keys for definitions that omit the tier prefix.
func FlattenScope(scope *ConditionScope) map[string]any {
	flat := make(map[string]any)
	if scope == nil {
		return flat
	}
	flattenInto(flat, "inputs", scope.Inputs)
	flattenInto(flat, "state", scope.State)
	flattenInto(flat, "computed", scope.Computed)
	flattenInto(flat, "global", scope.Global)
	flattenInto(flat, "", scope.State)
	return flat
}

func flattenInto(dst map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		dst[key] = v
		if nested, isMap := v.(map[string]any); isMap {
			flattenInto(dst, key, nested)
		}
	}
}

// Truthy reduces any value to a boolean: false for nil, false, zero numbers,
// empty strings, and empty collections.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
