// Package loader reads workflow definitions from YAML or JSON files.
// Parsed definitions are cached by path and invalidated on modification
// time, so repeated starts of the same workflow skip the parse.
package loader

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rendis/relay/pkg/schema"
)

// Loader loads and caches workflow definitions. Safe for concurrent use.
type Loader struct {
	mu    sync.Mutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	def     *schema.WorkflowDefinition
	modTime time.Time
	size    int64
}

// New creates a Loader with an empty cache.
func New() *Loader {
	return &Loader{cache: make(map[string]*cacheEntry)}
}

// Load reads a definition file, parsing it only when the cached copy is
// stale. The returned definition is shared; callers must not mutate it.
func (l *Loader) Load(path string) (*schema.WorkflowDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %s: %s", path, err.Error()).WithCause(err)
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	if ok && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		def := entry.def
		l.mu.Unlock()
		return def, nil
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow definition %s: %s", path, err.Error()).WithCause(err)
	}

	def, perr := Parse(data)
	if perr != nil {
		return nil, perr
	}

	l.mu.Lock()
	l.cache[path] = &cacheEntry{def: def, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()
	return def, nil
}

// Invalidate drops a path from the cache.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// Parse decodes a workflow definition from YAML or JSON bytes. YAML is
// decoded to a generic document first and round-tripped through JSON, so
// step payloads land in their raw JSON form for the processors.
func Parse(data []byte) (*schema.WorkflowDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "parse workflow definition").WithCause(err)
	}
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is empty")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode workflow definition").WithCause(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow definition").WithCause(err)
	}
	return &def, nil
}
