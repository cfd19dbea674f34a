package steps

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/relay/internal/transform"
)

// interpolateString resolves ${path} references in a string against the
// flattened scope, e.g. "deploying ${state.service} to ${inputs.env}".
// Unknown paths are left untouched so agents see what failed to resolve.
func interpolateString(s string, flat map[string]any) string {
	if !strings.Contains(s, "${") {
		return s
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			out.WriteString(s[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if val, ok := flat[path]; ok {
			out.WriteString(stringify(val))
		} else {
			out.WriteString(s[i+idx : end+1])
		}
		i = end + 1
	}

	return out.String()
}

// interpolateParams resolves ${path} references in every string value of a
// parameter map, recursing through nested maps and slices.
func interpolateParams(params map[string]any, flat map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = interpolateValue(v, flat)
	}
	return out
}

func interpolateValue(v any, flat map[string]any) any {
	switch val := v.(type) {
	case string:
		// A parameter that is exactly one reference keeps the value's type.
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") && strings.Count(val, "${") == 1 {
			path := strings.TrimSpace(val[2 : len(val)-1])
			if resolved, ok := flat[path]; ok {
				return resolved
			}
		}
		return interpolateString(val, flat)
	case map[string]any:
		return interpolateParams(val, flat)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, flat)
		}
		return out
	default:
		return v
	}
}

// flatWithItem extends the flattened scope with the loop bindings.
func flatWithItem(cs *transform.ConditionScope, scope *Scope) map[string]any {
	flat := transform.FlattenScope(cs)
	if scope.HasItem {
		name := scope.ItemVar
		if name == "" {
			name = "item"
		}
		flat[name] = scope.Item
		flat["index"] = scope.Index
		if nested, ok := scope.Item.(map[string]any); ok {
			for k, v := range nested {
				flat[name+"."+k] = v
			}
		}
	}
	return flat
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
