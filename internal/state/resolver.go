package state

import (
	"strings"

	"github.com/rendis/relay/pkg/schema"
)

// ResolvedField is one computed field with its normalized dependencies,
// positioned after every computed field it depends on.
type ResolvedField struct {
	Name      string
	FromPaths []string // normalized source paths, original order
	Transform string
	OnError   schema.OnErrorPolicy
	Fallback  any
}

// computedDeps returns the names of computed fields this field depends on.
func (f *ResolvedField) computedDeps() []string {
	var deps []string
	for _, p := range f.FromPaths {
		if name, ok := strings.CutPrefix(p, TierComputed+"."); ok {
			// Only the field name matters for ordering; nested access
			// ("computed.totals.sum") still depends on "totals".
			name, _, _ = strings.Cut(name, ".")
			deps = append(deps, name)
		}
	}
	return deps
}

// ResolveFields builds the dependency-ordered evaluation plan for a set of
// computed-field definitions. Dependencies on inputs.* and state.* are leaves,
// always satisfied; a dependency on another computed field orders that field
// first. Depth-first traversal with a per-call visiting set detects cycles,
// including direct self-reference. When ordering is ambiguous, declaration
// order is preserved.
func ResolveFields(fields []schema.ComputedField) ([]ResolvedField, error) {
	byName := make(map[string]*ResolvedField, len(fields))
	order := make([]string, 0, len(fields))

	for i := range fields {
		f := &fields[i]
		if f.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "computed field with empty name")
		}
		if _, dup := byName[f.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate computed field: %s", f.Name)
		}
		if len(f.FromPaths) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "computed field %s has no from_paths", f.Name)
		}
		if f.Transform == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "computed field %s has no transform", f.Name)
		}

		normalized := make([]string, len(f.FromPaths))
		for j, p := range f.FromPaths {
			normalized[j] = NormalizeSourcePath(p)
		}

		policy := f.OnError
		if policy == "" {
			policy = schema.OnErrorPropagate
		}

		byName[f.Name] = &ResolvedField{
			Name:      f.Name,
			FromPaths: normalized,
			Transform: f.Transform,
			OnError:   policy,
			Fallback:  f.Fallback,
		}
		order = append(order, f.Name)
	}

	var (
		sorted   = make([]ResolvedField, 0, len(fields))
		done     = make(map[string]bool, len(fields))
		visiting = make(map[string]bool, len(fields))
	)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if done[name] {
			return nil
		}
		if visiting[name] {
			cycle := append(path, name)
			return schema.NewErrorf(schema.ErrCodeCycleDetected,
				"circular dependency in computed fields: %s", strings.Join(cycle, " -> ")).
				WithDetails(map[string]any{"cycle": cycle})
		}
		visiting[name] = true
		defer delete(visiting, name)

		for _, dep := range byName[name].computedDeps() {
			target, exists := byName[dep]
			if !exists {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"computed field %s depends on unknown computed field %s", name, dep)
			}
			if err := visit(target.Name, append(path, name)); err != nil {
				return err
			}
		}

		done[name] = true
		sorted = append(sorted, *byName[name])
		return nil
	}

	// Iterating in declaration order gives the deterministic tie-break.
	for _, name := range order {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}

	return sorted, nil
}
