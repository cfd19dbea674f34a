package engine

import "github.com/rendis/relay/pkg/schema"

// queueItem is one entry in an instance's execution queue. A nil marker
// means "process this step"; a non-nil marker means "the body of this loop
// frame finished, decide whether to run another iteration".
type queueItem struct {
	step   *schema.StepDefinition
	frame  *loopFrame // enclosing loop, nil at top level
	marker *loopFrame // re-entry marker for this loop frame
}

// loopFrame tracks one active loop. Frames nest through parent; body items
// spliced into the queue carry their frame so break/continue can unwind the
// right region.
type loopFrame struct {
	kind   schema.StepType
	step   *schema.StepDefinition
	parent *loopFrame

	// while_loop
	condition     string
	iterations    int
	maxIterations int

	// foreach
	items   []any
	itemVar string
	index   int

	body []schema.StepDefinition
}

// itemBinding returns the innermost enclosing foreach frame, which provides
// the item/index bindings visible to steps and conditions.
func itemBinding(frame *loopFrame) *loopFrame {
	for f := frame; f != nil; f = f.parent {
		if f.kind == schema.StepForeach {
			return f
		}
	}
	return nil
}

// frameWithin reports whether f is target or nested inside it.
func frameWithin(f, target *loopFrame) bool {
	for ; f != nil; f = f.parent {
		if f == target {
			return true
		}
	}
	return false
}

// wrap turns step definitions into queue items bound to a frame.
func wrap(steps []schema.StepDefinition, frame *loopFrame) []queueItem {
	items := make([]queueItem, 0, len(steps))
	for i := range steps {
		items = append(items, queueItem{step: &steps[i], frame: frame})
	}
	return items
}

// spliceFront inserts items at the head of the queue, preserving order.
func (w *workflowInstance) spliceFront(items []queueItem) {
	if len(items) == 0 {
		return
	}
	w.queue = append(items, w.queue...)
}

// unwindLoop removes every queued item belonging to the given frame (or a
// frame nested inside it). With keepMarker the frame's re-entry marker
// survives, so the loop advances to its next iteration; without it the loop
// terminates entirely.
func (w *workflowInstance) unwindLoop(frame *loopFrame, keepMarker bool) {
	kept := make([]queueItem, 0, len(w.queue))
	for _, it := range w.queue {
		if it.marker == frame {
			if keepMarker {
				kept = append(kept, it)
			}
			continue
		}
		if it.marker != nil && frameWithin(it.marker, frame) {
			continue // marker of a loop nested inside the unwound one
		}
		if it.marker == nil && frameWithin(it.frame, frame) {
			continue
		}
		kept = append(kept, it)
	}
	w.queue = kept
}
