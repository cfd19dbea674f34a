package state

import (
	"strings"

	"github.com/rendis/relay/pkg/schema"
)

// Canonical tiers of a workflow instance's data.
const (
	TierInputs   = "inputs"
	TierState    = "state"
	TierComputed = "computed"
	TierGlobal   = "global" // shared ExecutionContext variables, not a stored tier
)

// Scoped-path aliases accepted on writes. "this" targets the instance's own
// state tier; "raw" is the deprecated legacy alias for the same tier and has
// no independent storage.
const (
	aliasThis = "this"
	aliasRaw  = "raw"
)

// ParseUpdatePath splits a dotted write path into (tier, remainder).
// Aliases are normalized into the canonical tier. The remainder is the
// dotted key under the tier and is guaranteed non-empty on success.
func ParseUpdatePath(path string) (tier string, rest string, err error) {
	if path == "" {
		return "", "", schema.NewError(schema.ErrCodeValidation, "empty update path")
	}

	head, tail, found := strings.Cut(path, ".")
	if !found || tail == "" {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation,
			"update path %q must name a key under a tier (e.g. state.retries)", path)
	}

	switch head {
	case TierInputs:
		return TierInputs, tail, nil
	case TierState, aliasThis, aliasRaw:
		return TierState, tail, nil
	case TierGlobal:
		return TierGlobal, tail, nil
	case TierComputed:
		return "", "", schema.NewErrorf(schema.ErrCodeValidation,
			"update path %q targets the computed tier, which is owned by the reactive cascade", path)
	default:
		return "", "", schema.NewErrorf(schema.ErrCodeValidation,
			"update path %q has unknown tier %q (expected inputs, state, this, raw, or global)", path, head)
	}
}

// ValidateUpdatePath is the pure syntactic/tier check for a write path.
// It never touches instance data.
func ValidateUpdatePath(path string) bool {
	_, _, err := ParseUpdatePath(path)
	return err == nil
}

// NormalizeSourcePath maps a computed-field from_path onto its canonical
// form, resolving the write aliases so dependency matching is consistent.
func NormalizeSourcePath(path string) string {
	head, tail, found := strings.Cut(path, ".")
	if !found {
		return path
	}
	switch head {
	case aliasThis, aliasRaw:
		return TierState + "." + tail
	default:
		return path
	}
}

// getPath resolves a dotted key inside a nested map. The boolean reports
// whether every segment resolved.
func getPath(root map[string]any, key string) (any, bool) {
	segments := strings.Split(key, ".")
	var current any = root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes a value at a dotted key inside a nested map, creating
// intermediate maps as needed. An existing non-map intermediate is replaced.
func setPath(root map[string]any, key string, value any) {
	segments := strings.Split(key, ".")
	current := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// pathsOverlap reports whether one dotted path is the other or a prefix of
// the other, segment-wise. A write to "state.user" affects "state.user.name"
// and vice versa.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
