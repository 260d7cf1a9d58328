package trace

import (
	"github.com/kolkov/gcmark/internal/gc/heap"
)

// LivenessBroker answers "is this object marked" for weak callbacks.
//
// A broker carries no state of its own: it resolves addresses through the
// process-wide region registry. One is created for every callback
// invocation and must not be retained by the callback. Its answers are
// only meaningful after the marking fixed point.
type LivenessBroker struct{}

// NewLivenessBroker returns a broker for one weak callback invocation.
func NewLivenessBroker() LivenessBroker {
	return LivenessBroker{}
}

// IsHeapObjectAlive reports whether the object containing a is marked.
//
// Nil is reported alive, so callers never clear a slot that holds nothing.
// Addresses outside any heap are not managed by the collector and are
// reported alive as well.
func (LivenessBroker) IsHeapObjectAlive(a heap.Address) bool {
	if a == heap.Nil {
		return true
	}
	hdr, _ := heap.ContainingHeader(a)
	if hdr == nil {
		return true
	}
	return hdr.IsMarked()
}

// ClearWeakSlot is a WeakCallback for weak member fields. arg is the
// heap.Address of the slot; the slot is set to heap.Nil when its referent
// did not survive marking.
func ClearWeakSlot(b LivenessBroker, arg any) {
	slot, ok := arg.(heap.Address)
	if !ok {
		return
	}
	if ref := heap.LoadRef(slot); !b.IsHeapObjectAlive(ref) {
		heap.StoreRef(slot, heap.Nil)
	}
}
