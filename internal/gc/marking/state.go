// Package marking implements the per-task marking state of the collector:
// the mark-and-push algorithm, construction deferral, the weak reference
// policy and marked byte accounting.
//
// One State exists per concurrent marking task. It holds that task's views
// into the three shared worklists and a private byte counter:
//
//	trace unit ──▶ MarkAndPush ──┬─ in construction ──▶ NotFullyConstructed
//	                             ├─ already marked ───▶ (nothing)
//	                             └─ newly marked ─────▶ Marking
//
// Operations never block and never return errors. Violated preconditions
// such as marking a free object or marking across heaps are caller bugs. They panic with a *ProtocolError
// in builds tagged gcmarkdebug and are not checked otherwise.
package marking

import (
	"github.com/kolkov/gcmark/internal/gc/gcinfo"
	"github.com/kolkov/gcmark/internal/gc/header"
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/trace"
	"github.com/kolkov/gcmark/internal/gc/worklist"
)

// State is the marking cursor of one task.
//
// Thread Safety: a State must only be used by the goroutine running its task.
// Different States of one phase run concurrently; they share nothing but the
// worklists (through per-task views) and the mark bits.
type State struct {
	heap  *heap.Heap
	types *gcinfo.Table
	task  int

	marking             worklist.View[trace.Descriptor]
	notFullyConstructed worklist.View[heap.Address]
	weakCallbacks       worklist.View[WeakCallbackItem]

	// markedBytes only grows. It is folded into a global total by the
	// driver after the task's marking step.
	markedBytes uint64
}

// NewState binds a State for task to the views of wl.
func NewState(h *heap.Heap, types *gcinfo.Table, wl *Worklists, task int) *State {
	return &State{
		heap:                h,
		types:               types,
		task:                task,
		marking:             wl.Marking.View(task),
		notFullyConstructed: wl.NotFullyConstructed.View(task),
		weakCallbacks:       wl.WeakCallbacks.View(task),
	}
}

// TaskID returns the task the state is bound to.
func (s *State) TaskID() int { return s.task }

// Heap returns the heap being marked.
func (s *State) Heap() *heap.Heap { return s.heap }

// Types returns the type-info table used to build trace units.
func (s *State) Types() *gcinfo.Table { return s.types }

// MarkingView returns the task's trace unit view.
func (s *State) MarkingView() worklist.View[trace.Descriptor] { return s.marking }

// NotFullyConstructedView returns the task's deferral view.
func (s *State) NotFullyConstructedView() worklist.View[heap.Address] {
	return s.notFullyConstructed
}

// WeakCallbackView returns the task's weak callback view.
func (s *State) WeakCallbackView() worklist.View[WeakCallbackItem] { return s.weakCallbacks }

// Descriptor builds the trace unit for ref. It reports false for nil and
// for references that do not point into an object of the marked heap, so
// values that reach into other heaps are ignored rather than marked.
func (s *State) Descriptor(ref heap.Address) (trace.Descriptor, bool) {
	if ref == heap.Nil {
		return trace.Descriptor{}, false
	}
	if p := heap.PageFromAddress(ref); p == nil || p.Heap() != s.heap {
		return trace.Descriptor{}, false
	}
	return s.types.TraceDescriptor(ref)
}

// MarkAndPush marks the object described by desc and schedules it for
// tracing. object is the referenced address, which may lie inside the base
// object.
//
// If the base is not fully constructed its header cannot be resolved yet:
// object itself is deferred and re-offered by the driver later.
func (s *State) MarkAndPush(object heap.Address, desc trace.Descriptor) {
	if debugChecks && object == heap.Nil {
		s.violation("MarkAndPush", object, ErrNilObject)
	}
	payload, ok := desc.Base.Payload()
	if !ok {
		s.notFullyConstructed.Push(object)
		return
	}
	s.MarkAndPushHeader(heap.HeaderFromPayload(payload), desc)
}

// MarkAndPushHeader marks the object of hdr and pushes desc if this call
// set the mark bit. Objects in construction are deferred unmarked.
func (s *State) MarkAndPushHeader(hdr *header.Header, desc trace.Descriptor) {
	if debugChecks && desc.Callback == nil {
		s.violation("MarkAndPushHeader", heap.AddressOf(hdr), ErrNilCallback)
	}
	if hdr.IsInConstruction() {
		s.notFullyConstructed.Push(heap.PayloadOf(hdr))
		return
	}
	if s.MarkNoPush(hdr) {
		s.marking.Push(desc)
	}
}

// MarkAndPushObject is MarkAndPushHeader with the trace unit derived from
// the header's own type index.
func (s *State) MarkAndPushObject(hdr *header.Header) {
	s.MarkAndPushHeader(hdr, s.types.DescriptorForHeader(hdr))
}

// MarkNoPush sets the mark bit of hdr and reports whether this call did so.
// Enqueuing is left to the caller.
func (s *State) MarkNoPush(hdr *header.Header) bool {
	if debugChecks {
		s.checkMarkable("MarkNoPush", hdr)
	}
	return hdr.TryMarkAtomic()
}

// MarkAddressConservatively marks the object whose storage contains
// address, which need not be the object's start. The trace unit comes from
// the object's type index since the caller has no type information.
//
// The object must not be in construction: conservative scanning only runs
// where all reachable objects are constructed or otherwise protected.
func (s *State) MarkAddressConservatively(address heap.Address) {
	hdr, payload := heap.ContainingHeader(address)
	if hdr == nil {
		if debugChecks {
			s.violation("MarkAddressConservatively", address, ErrNotHeapAddress)
		}
		return
	}
	if debugChecks && hdr.IsInConstruction() {
		s.violation("MarkAddressConservatively", payload, ErrInConstruction)
	}
	if s.MarkNoPush(hdr) {
		s.marking.Push(trace.Descriptor{
			Base:     trace.Constructed(payload),
			Callback: s.types.FromIndex(hdr.GCInfoIndex()).Trace,
		})
	}
}

// RegisterWeakReferenceIfNeeded registers cb(arg) unless the referent is
// already known to be live.
//
// A referent that is already marked needs no callback: the write barrier
// keeps any value stored into the weak slot afterwards alive. A base that
// is not fully constructed cannot be checked and always registers.
func (s *State) RegisterWeakReferenceIfNeeded(object heap.Address, desc trace.Descriptor, cb trace.WeakCallback, arg any) {
	if payload, ok := desc.Base.Payload(); ok && heap.HeaderFromPayload(payload).IsMarked() {
		return
	}
	s.RegisterWeakCallback(cb, arg)
}

// RegisterWeakCallback schedules cb(arg) to run after the reachability fixed
// point with a fresh LivenessBroker.
func (s *State) RegisterWeakCallback(cb trace.WeakCallback, arg any) {
	s.weakCallbacks.Push(WeakCallbackItem{Callback: cb, Arg: arg})
}

// InvokeWeakRootsCallbackIfNeeded runs cb(arg) immediately. Weak roots are
// only processed at the end of marking, so nothing needs deferring.
//
// A base that is not fully constructed is skipped: such objects are kept
// alive through the stack and must not be treated as dead.
func (s *State) InvokeWeakRootsCallbackIfNeeded(object heap.Address, desc trace.Descriptor, cb trace.WeakCallback, arg any) {
	if desc.Base.IsNotFullyConstructed() {
		return
	}
	cb(trace.NewLivenessBroker(), arg)
}

// AccountMarkedBytes adds the allocation size of hdr's object to the
// counter. Objects of large regions count the region's full payload size.
func (s *State) AccountMarkedBytes(hdr *header.Header) {
	if hdr.IsLargeObject() {
		lp, ok := heap.PageOf(hdr).(*heap.LargePage)
		if !ok {
			if debugChecks {
				s.violation("AccountMarkedBytes", heap.AddressOf(hdr), ErrNotLargePage)
			}
			return
		}
		s.markedBytes += uint64(lp.PayloadSize())
		return
	}
	s.markedBytes += uint64(hdr.Size())
}

// MarkedBytes returns the bytes accounted by this task so far.
func (s *State) MarkedBytes() uint64 {
	return s.markedBytes
}

// checkMarkable panics unless hdr may be marked by this state.
func (s *State) checkMarkable(op string, hdr *header.Header) {
	page := heap.PageOf(hdr)
	if page == nil || page.Heap() != s.heap {
		s.violation(op, heap.AddressOf(hdr), ErrCrossHeap)
	}
	if hdr.IsFree() {
		s.violation(op, heap.AddressOf(hdr), ErrFreeObject)
	}
}

func (s *State) violation(op string, addr heap.Address, err error) {
	panic(&ProtocolError{Op: op, Task: s.task, Addr: addr, Err: err})
}
