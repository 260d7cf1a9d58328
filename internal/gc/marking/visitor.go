package marking

import (
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/trace"
)

// Visitor adapts a State to the trace.Visitor interface handed to tracing
// callbacks.
type Visitor struct {
	state *State
}

var _ trace.Visitor = (*Visitor)(nil)

// NewVisitor returns a visitor marking through s.
func NewVisitor(s *State) *Visitor {
	return &Visitor{state: s}
}

// State returns the underlying marking state.
func (v *Visitor) State() *State {
	return v.state
}

// Trace marks the referent stored at slot. Referents in other heaps are
// left alone.
func (v *Visitor) Trace(slot heap.Address) {
	ref := heap.LoadRef(slot)
	desc, ok := v.state.Descriptor(ref)
	if !ok {
		return
	}
	v.state.MarkAndPush(ref, desc)
}

// TraceWeak registers slot for clearing unless its referent is already
// marked.
func (v *Visitor) TraceWeak(slot heap.Address) {
	ref := heap.LoadRef(slot)
	desc, ok := v.state.Descriptor(ref)
	if !ok {
		return
	}
	v.state.RegisterWeakReferenceIfNeeded(ref, desc, trace.ClearWeakSlot, slot)
}

func (v *Visitor) Visit(object heap.Address, desc trace.Descriptor) {
	v.state.MarkAndPush(object, desc)
}

func (v *Visitor) VisitWeak(object heap.Address, desc trace.Descriptor, cb trace.WeakCallback, arg any) {
	v.state.RegisterWeakReferenceIfNeeded(object, desc, cb, arg)
}

func (v *Visitor) RegisterWeakCallback(cb trace.WeakCallback, arg any) {
	v.state.RegisterWeakCallback(cb, arg)
}

// RootVisitor reports strong and weak roots to a State.
type RootVisitor struct {
	state *State
}

// NewRootVisitor returns a root visitor marking through s.
func NewRootVisitor(s *State) *RootVisitor {
	return &RootVisitor{state: s}
}

// VisitRoot marks a strongly held object.
func (r *RootVisitor) VisitRoot(object heap.Address, desc trace.Descriptor) {
	r.state.MarkAndPush(object, desc)
}

// TraceRoot marks the object ref points into. References outside the
// marked heap are ignored.
func (r *RootVisitor) TraceRoot(ref heap.Address) {
	if desc, ok := r.state.Descriptor(ref); ok {
		r.state.MarkAndPush(ref, desc)
	}
}

// VisitWeakRoot resolves a weak root at once. It must only be called after
// the reachability fixed point.
func (r *RootVisitor) VisitWeakRoot(object heap.Address, desc trace.Descriptor, cb trace.WeakCallback, arg any) {
	r.state.InvokeWeakRootsCallbackIfNeeded(object, desc, cb, arg)
}
