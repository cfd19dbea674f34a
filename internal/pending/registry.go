// Package pending tracks in-flight agent actions awaiting external
// acknowledgment. The registry is process-wide shared state with an explicit
// capacity bound: no operation blocks waiting for space, the least recently
// touched entry is evicted instead. Entries also expire by TTL.
package pending

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/relay/pkg/schema"
)

// DefaultTimeout is applied to actions registered without an explicit TTL.
const DefaultTimeout = 30 * time.Minute

// Action is one in-flight agent action awaiting acknowledgment.
type Action struct {
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Timeout    time.Duration  `json:"timeout"`
}

// Expired reports whether the action's TTL has elapsed at the given instant.
func (a *Action) Expired(now time.Time) bool {
	return now.After(a.CreatedAt.Add(a.Timeout))
}

// Registry is a bounded, capacity-limited map of pending actions keyed by
// workflow ID, with LRU eviction shared across all workflows. Safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *Action]
	clock func() time.Time
}

// NewRegistry creates a Registry with the given capacity.
func NewRegistry(capacity int, logger *slog.Logger) (*Registry, error) {
	if capacity <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "registry capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := lru.New[string, *Action](capacity)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCapacity, "create pending-action cache").WithCause(err)
	}
	return &Registry{logger: logger, clock: time.Now, cache: cache}, nil
}

// Add registers a pending action for a workflow, overwriting any previous
// entry for the same workflow. On overflow the least recently touched entry
// across all workflows is evicted.
func (r *Registry) Add(action *Action) error {
	if action == nil || action.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "pending action requires a workflow ID")
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = r.now()
	}
	if action.Timeout <= 0 {
		action.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	oldestID, oldest, _ := r.cache.GetOldest()
	if evicted := r.cache.Add(action.WorkflowID, action); evicted {
		// The evicted entry is the pre-Add oldest, not the action being added.
		r.logger.Warn("pending action evicted at capacity",
			slog.String("evicted_workflow_id", oldestID),
			slog.String("evicted_step_id", oldest.StepID),
			slog.String("added_workflow_id", action.WorkflowID))
	}
	return nil
}

// Get returns the pending action for a workflow, refreshing its recency.
func (r *Registry) Get(workflowID string) (*Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Get(workflowID)
}

// Remove deletes the pending action for a workflow (acknowledgment path).
func (r *Registry) Remove(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Remove(workflowID)
}

// Len returns the number of in-flight actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// CleanupExpired removes every entry whose TTL has elapsed and returns the
// removed count. Recency is not refreshed by the scan.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for _, key := range r.cache.Keys() {
		action, ok := r.cache.Peek(key)
		if !ok {
			continue
		}
		if action.Expired(now) {
			r.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// StartSweeper launches a background TTL sweep at the given interval,
// stopping when the returned function is called.
func (r *Registry) StartSweeper(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n := r.CleanupExpired(); n > 0 {
					r.logger.Debug("expired pending actions removed", slog.Int("count", n))
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}
