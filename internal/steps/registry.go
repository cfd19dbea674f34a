package steps

import (
	"sync"

	"github.com/rendis/relay/pkg/schema"
)

// Registry is the thread-safe lookup table from step type to processor.
type Registry struct {
	mu         sync.RWMutex
	processors map[schema.StepType]Processor
}

// NewRegistry creates a Registry with every built-in leaf processor registered.
func NewRegistry() *Registry {
	r := &Registry{processors: make(map[schema.StepType]Processor)}

	for _, p := range []Processor{
		&stateUpdateProcessor{batch: false},
		&stateUpdateProcessor{batch: true},
		&mcpCallProcessor{internal: false},
		&mcpCallProcessor{internal: true},
		&userMessageProcessor{},
		&userInputProcessor{},
		&conditionalMessageProcessor{},
		&waitProcessor{},
		&commandProcessor{agent: false},
		&commandProcessor{agent: true},
	} {
		r.processors[p.Type()] = p
	}
	return r
}

// Register adds or replaces a processor. Returns an error on unknown types so
// the step enum stays closed.
func (r *Registry) Register(p Processor) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "processor is nil")
	}
	if !schema.ValidStepTypes[p.Type()] {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", p.Type())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Type()] = p
	return nil
}

// Get returns the processor for a step type.
func (r *Registry) Get(t schema.StepType) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[t]
	return p, ok
}
