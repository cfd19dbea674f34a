// Package dispatch runs bounded-concurrency pools of sub-agent tasks for
// parallel fan-out. Shared bookkeeping (active contexts, counters) sits
// behind a single mutex; task execution happens outside the lock.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/pkg/schema"
)

// WorkItem is one unit of parallel work.
type WorkItem struct {
	ID    string
	Value any
	Index int
}

// TaskFunc executes one work item inside its own execution context.
type TaskFunc func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error)

// Outcome is the per-item result of a parallel dispatch.
type Outcome struct {
	Status string             `json:"status"` // success | failed | timeout
	Output any                `json:"output,omitempty"`
	Error  *schema.RelayError `json:"error,omitempty"`
}

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Options controls one parallel dispatch.
type Options struct {
	MaxParallel    int
	TimeoutSeconds float64 // 0 means no per-task timeout
	ErrorIsolation bool    // isolate per-item failures instead of aborting the dispatch
}

// Stats are the aggregate dispatch counters. Once ExecuteParallel returns,
// Completed+Failed+TimedOut always reconciles with Submitted.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// Dispatcher executes sub-agent tasks with bounded concurrency, per-task
// timeout, and failure isolation. Every submitted item gets exactly one
// tracked active context from submission to completion, released on every
// exit path.
type Dispatcher struct {
	contexts *state.ContextRegistry
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*state.ExecutionContext
	stats  Stats
}

// NewDispatcher creates a Dispatcher using the given context registry.
func NewDispatcher(contexts *state.ContextRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		contexts: contexts,
		logger:   logger,
		active:   make(map[string]*state.ExecutionContext),
	}
}

// ExecuteParallel runs fn over every work item with at most opts.MaxParallel
// tasks in flight. With error isolation, per-item timeouts and failures are
// recorded as outcomes and the dispatch continues; without it, the first
// timeout or failure aborts the dispatch and is returned.
//
// A per-task timeout cancels only that task's wait: the underlying work is
// abandoned, not forcibly stopped.
func (d *Dispatcher) ExecuteParallel(ctx context.Context, workflowID string, items []WorkItem, fn TaskFunc, opts Options) (map[string]Outcome, error) {
	if len(items) == 0 {
		return map[string]Outcome{}, nil
	}
	if fn == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatch requires a task function")
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	d.mu.Lock()
	d.stats.Submitted += int64(len(items))
	d.mu.Unlock()

	type itemResult struct {
		id      string
		outcome Outcome
	}

	sem := make(chan struct{}, maxParallel)
	results := make(chan itemResult, len(items))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-runCtx.Done():
				results <- itemResult{id: item.ID, outcome: Outcome{
					Status: StatusFailed,
					Error:  schema.NewError(schema.ErrCodeCancelled, "dispatch cancelled before start"),
				}}
				return
			}
			defer func() { <-sem }()

			results <- itemResult{id: item.ID, outcome: d.runOne(runCtx, workflowID, item, fn, opts)}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make(map[string]Outcome, len(items))
	var abort *schema.RelayError
	for res := range results {
		outcomes[res.id] = res.outcome

		d.mu.Lock()
		switch res.outcome.Status {
		case StatusSuccess:
			d.stats.Completed++
		case StatusTimeout:
			d.stats.TimedOut++
		default:
			d.stats.Failed++
		}
		d.mu.Unlock()

		if !opts.ErrorIsolation && res.outcome.Status != StatusSuccess && abort == nil {
			abort = res.outcome.Error
			if abort == nil {
				abort = schema.NewErrorf(schema.ErrCodeExecution, "sub-agent task %s %s", res.id, res.outcome.Status)
			}
			cancel() // stop remaining tasks from starting
		}
	}

	if abort != nil {
		return outcomes, abort
	}
	return outcomes, nil
}

// runOne executes a single item with its own tracked execution context.
// The context is released on every exit path.
func (d *Dispatcher) runOne(ctx context.Context, workflowID string, item WorkItem, fn TaskFunc, opts Options) Outcome {
	taskID := fmt.Sprintf("%s/%s", workflowID, item.ID)
	ctx = logging.WithTaskID(ctx, taskID)

	ec := state.NewExecutionContext(taskID)
	d.mu.Lock()
	d.active[taskID] = ec
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, taskID)
		d.mu.Unlock()
	}()

	type taskDone struct {
		output any
		err    error
	}
	done := make(chan taskDone, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskDone{err: schema.NewErrorf(schema.ErrCodeExecution, "sub-agent task panicked: %v", r)}
			}
		}()
		output, err := fn(ctx, item, ec)
		done <- taskDone{output: output, err: err}
	}()

	var timeout <-chan time.Time
	if opts.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(opts.TimeoutSeconds * float64(time.Second)))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			return Outcome{Status: StatusFailed, Error: schema.AsRelayError(res.err, schema.ErrCodeExecution)}
		}
		return Outcome{Status: StatusSuccess, Output: res.output}

	case <-timeout:
		d.logger.WarnContext(ctx, "sub-agent task timed out",
			slog.String("item_id", item.ID),
			slog.Float64("timeout_seconds", opts.TimeoutSeconds))
		return Outcome{
			Status: StatusTimeout,
			Error: schema.NewErrorf(schema.ErrCodeTimeout,
				"sub-agent task %s exceeded %.1fs", item.ID, opts.TimeoutSeconds),
		}

	case <-ctx.Done():
		return Outcome{Status: StatusFailed, Error: schema.NewError(schema.ErrCodeCancelled, "dispatch cancelled").WithCause(ctx.Err())}
	}
}

// ActiveCount returns the number of tracked active task contexts.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// StatsSnapshot returns a copy of the aggregate counters.
func (d *Dispatcher) StatsSnapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
