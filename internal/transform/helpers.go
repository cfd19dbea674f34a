package transform

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/rendis/relay/pkg/schema"
)

// mathHelpers is the Math.* namespace exposed to transforms.
// All helpers accept any numeric type and return float64.
var mathHelpers = map[string]any{
	"round": func(v any) (float64, error) { return unaryMath(v, math.Round) },
	"floor": func(v any) (float64, error) { return unaryMath(v, math.Floor) },
	"ceil":  func(v any) (float64, error) { return unaryMath(v, math.Ceil) },
	"trunc": func(v any) (float64, error) { return unaryMath(v, math.Trunc) },
	"abs":   func(v any) (float64, error) { return unaryMath(v, math.Abs) },
	"sqrt":  func(v any) (float64, error) { return unaryMath(v, math.Sqrt) },
	"min": func(a, b any) (float64, error) {
		x, y, err := binaryOperands(a, b)
		if err != nil {
			return 0, err
		}
		return math.Min(x, y), nil
	},
	"max": func(a, b any) (float64, error) {
		x, y, err := binaryOperands(a, b)
		if err != nil {
			return 0, err
		}
		return math.Max(x, y), nil
	},
	"pow": func(a, b any) (float64, error) {
		x, y, err := binaryOperands(a, b)
		if err != nil {
			return 0, err
		}
		return math.Pow(x, y), nil
	},
}

// jsonHelpers is the JSON.* namespace exposed to transforms.
var jsonHelpers = map[string]any{
	"parse": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTransform, "JSON.parse expects a string, got %T", v)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTransform, "JSON.parse: %s", err.Error()).WithCause(err)
		}
		return out, nil
	},
	"stringify": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTransform, "JSON.stringify: %s", err.Error()).WithCause(err)
		}
		return string(b), nil
	},
}

func unaryMath(v any, fn func(float64) float64) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return fn(f), nil
}

func binaryOperands(a, b any) (float64, float64, error) {
	x, err := toFloat(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := toFloat(b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

// toFloat converts any numeric type (including JSON's float64) to float64.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeTransform, "expected a number, got %T (%v)", v, fmt.Sprintf("%v", v))
	}
}
