package marking

import (
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/trace"
	"github.com/kolkov/gcmark/internal/gc/worklist"
)

// Segment sizes of the three marking worklists. Trace units are by far the
// most frequent; deferred objects are rare.
const (
	MarkingSegmentSize             = 512
	NotFullyConstructedSegmentSize = 16
	WeakCallbackSegmentSize        = 64
)

// WeakCallbackItem is a deferred weak callback and its argument.
type WeakCallbackItem struct {
	Callback trace.WeakCallback
	Arg      any
}

// Worklists bundles the worklists shared by all tasks of one marking phase.
type Worklists struct {
	// Marking holds trace units of marked objects whose fields are still to
	// be walked.
	Marking *worklist.Worklist[trace.Descriptor]

	// NotFullyConstructed holds addresses of objects that could not be traced
	// because their construction was incomplete.
	NotFullyConstructed *worklist.Worklist[heap.Address]

	// WeakCallbacks holds callbacks to run after the fixed point.
	WeakCallbacks *worklist.Worklist[WeakCallbackItem]
}

// NewWorklists creates worklists for tasks task slots.
func NewWorklists(tasks int) *Worklists {
	return &Worklists{
		Marking:             worklist.New[trace.Descriptor](tasks, MarkingSegmentSize),
		NotFullyConstructed: worklist.New[heap.Address](tasks, NotFullyConstructedSegmentSize),
		WeakCallbacks:       worklist.New[WeakCallbackItem](tasks, WeakCallbackSegmentSize),
	}
}

// Tasks returns the number of task slots.
func (w *Worklists) Tasks() int {
	return w.Marking.Tasks()
}

// IsEmpty reports whether all three worklists are empty. All tasks must be
// stopped.
func (w *Worklists) IsEmpty() bool {
	return w.Marking.IsEmpty() && w.NotFullyConstructed.IsEmpty() && w.WeakCallbacks.IsEmpty()
}

// Clear drops all pending work.
func (w *Worklists) Clear() {
	w.Marking.Clear()
	w.NotFullyConstructed.Clear()
	w.WeakCallbacks.Clear()
}
