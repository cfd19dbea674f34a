package state

import (
	"github.com/rendis/relay/pkg/schema"
)

func knownOperation(op string) bool {
	switch op {
	case schema.OpSet, schema.OpIncrement, schema.OpDecrement, schema.OpMultiply, schema.OpAppend:
		return true
	}
	return false
}

// applyOperation computes the post-update value at a path from the pre-update
// current value. Numeric operations treat a missing current value as 0 and a
// missing operand as 1.
func applyOperation(current any, op string, operand any) (any, error) {
	switch op {
	case schema.OpSet:
		return operand, nil

	case schema.OpIncrement:
		cur, opd, err := numericOperands(current, operand, op)
		if err != nil {
			return nil, err
		}
		return cur + opd, nil

	case schema.OpDecrement:
		cur, opd, err := numericOperands(current, operand, op)
		if err != nil {
			return nil, err
		}
		return cur - opd, nil

	case schema.OpMultiply:
		cur, opd, err := numericOperands(current, operand, op)
		if err != nil {
			return nil, err
		}
		return cur * opd, nil

	case schema.OpAppend:
		switch existing := current.(type) {
		case nil:
			return []any{operand}, nil
		case []any:
			return append(existing, operand), nil
		default:
			// Scalar current value becomes a two-element list.
			return []any{existing, operand}, nil
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown update operation %q", op)
	}
}

// numericOperands coerces (current, operand) for arithmetic operations,
// applying the missing-value defaults.
func numericOperands(current, operand any, op string) (float64, float64, error) {
	cur := 0.0
	if current != nil {
		f, err := asNumber(current)
		if err != nil {
			return 0, 0, schema.NewErrorf(schema.ErrCodeValidation,
				"operation %q requires a numeric current value, got %T", op, current)
		}
		cur = f
	}

	opd := 1.0
	if operand != nil {
		f, err := asNumber(operand)
		if err != nil {
			return 0, 0, schema.NewErrorf(schema.ErrCodeValidation,
				"operation %q requires a numeric operand, got %T", op, operand)
		}
		opd = f
	}

	return cur, opd, nil
}

func asNumber(v any) (float64, error) {
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
	}
	return 0, schema.NewErrorf(schema.ErrCodeValidation, "value %v is not numeric", v)
}
