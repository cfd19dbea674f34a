package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/pkg/schema"
)

func makeItems(n int) []WorkItem {
	items := make([]WorkItem, n)
	for i := range items {
		items[i] = WorkItem{ID: fmt.Sprintf("item_%d", i), Value: i, Index: i}
	}
	return items
}

func TestExecuteParallel_BoundedConcurrency(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	var inFlight, peak int64
	var mu sync.Mutex

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return item.Index * 2, nil
	}

	outcomes, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(10), fn, Options{MaxParallel: 3})
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	if len(outcomes) != 10 {
		t.Fatalf("got %d outcomes, want 10", len(outcomes))
	}
	for id, out := range outcomes {
		if out.Status != StatusSuccess {
			t.Errorf("%s: status %q, want success", id, out.Status)
		}
	}
	if outcomes["item_4"].Output != 8 {
		t.Errorf("item_4 output = %v, want 8", outcomes["item_4"].Output)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("peak concurrency %d exceeded max_parallel 3", peak)
	}
}

func TestExecuteParallel_PerTaskTimeout(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		if item.Index == 1 {
			time.Sleep(500 * time.Millisecond)
		}
		return "ok", nil
	}

	outcomes, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(3), fn,
		Options{MaxParallel: 3, TimeoutSeconds: 0.05, ErrorIsolation: true})
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}

	slow := outcomes["item_1"]
	if slow.Status != StatusTimeout {
		t.Errorf("slow item status = %q, want timeout", slow.Status)
	}
	if slow.Error == nil || slow.Error.Code != schema.ErrCodeTimeout {
		t.Errorf("slow item error = %+v, want TIMEOUT", slow.Error)
	}
	if outcomes["item_0"].Status != StatusSuccess || outcomes["item_2"].Status != StatusSuccess {
		t.Error("fast items should still succeed under isolation")
	}
}

func TestExecuteParallel_ErrorIsolation(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		if item.Index == 2 {
			return nil, schema.NewError(schema.ErrCodeExecution, "boom")
		}
		return "ok", nil
	}

	outcomes, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(5), fn,
		Options{MaxParallel: 5, ErrorIsolation: true})
	if err != nil {
		t.Fatalf("isolation should not abort the dispatch: %v", err)
	}
	if outcomes["item_2"].Status != StatusFailed {
		t.Errorf("item_2 status = %q, want failed", outcomes["item_2"].Status)
	}
	for _, id := range []string{"item_0", "item_1", "item_3", "item_4"} {
		if outcomes[id].Status != StatusSuccess {
			t.Errorf("%s status = %q, want success", id, outcomes[id].Status)
		}
	}
}

func TestExecuteParallel_AbortWithoutIsolation(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "task failed")
	}

	outcomes, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(4), fn,
		Options{MaxParallel: 1, ErrorIsolation: false})
	if err == nil {
		t.Fatal("expected the dispatch to abort")
	}
	relayErr := schema.AsRelayError(err, schema.ErrCodeExecution)
	if relayErr.Code != schema.ErrCodeExecution && relayErr.Code != schema.ErrCodeCancelled {
		t.Errorf("abort error code = %q, want the failing task's error", relayErr.Code)
	}
	if len(outcomes) != 4 {
		t.Errorf("got %d outcomes, want 4 (every item accounted for)", len(outcomes))
	}
}

func TestExecuteParallel_StatsReconcile(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		switch item.Index {
		case 1:
			return nil, fmt.Errorf("fail")
		case 2:
			time.Sleep(200 * time.Millisecond)
		}
		return "ok", nil
	}

	d.ExecuteParallel(context.Background(), "wf1", makeItems(4), fn,
		Options{MaxParallel: 4, TimeoutSeconds: 0.05, ErrorIsolation: true})

	stats := d.StatsSnapshot()
	if stats.Submitted != 4 {
		t.Errorf("Submitted = %d, want 4", stats.Submitted)
	}
	if got := stats.Completed + stats.Failed + stats.TimedOut; got != stats.Submitted {
		t.Errorf("Completed+Failed+TimedOut = %d, want %d", got, stats.Submitted)
	}
	if stats.Failed != 1 || stats.TimedOut != 1 {
		t.Errorf("stats = %+v, want 1 failed and 1 timed out", stats)
	}
}

func TestExecuteParallel_ReleasesContexts(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		ec.Set("n", item.Index)
		v, _ := ec.Get("n")
		return v, nil
	}

	if _, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(6), fn, Options{MaxParallel: 2}); err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	if n := d.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d after dispatch, want 0", n)
	}
}

func TestExecuteParallel_EdgeCases(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	outcomes, err := d.ExecuteParallel(context.Background(), "wf1", nil, nil, Options{})
	if err != nil || len(outcomes) != 0 {
		t.Errorf("empty items: outcomes=%v err=%v, want empty map and nil", outcomes, err)
	}

	if _, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(1), nil, Options{}); err == nil {
		t.Error("nil task function should be rejected")
	}
}

func TestExecuteParallel_RecoversPanic(t *testing.T) {
	d := NewDispatcher(state.NewContextRegistry(), nil)

	fn := func(ctx context.Context, item WorkItem, ec *state.ExecutionContext) (any, error) {
		panic("kaboom")
	}

	outcomes, err := d.ExecuteParallel(context.Background(), "wf1", makeItems(1), fn,
		Options{MaxParallel: 1, ErrorIsolation: true})
	if err != nil {
		t.Fatalf("ExecuteParallel: %v", err)
	}
	out := outcomes["item_0"]
	if out.Status != StatusFailed {
		t.Errorf("status = %q, want failed", out.Status)
	}
	if out.Error == nil || out.Error.Code != schema.ErrCodeExecution {
		t.Errorf("error = %+v, want EXECUTION_ERROR", out.Error)
	}
}
