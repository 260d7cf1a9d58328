// Package trace defines the contract between the marking core and the
// per-type tracing callbacks that walk an object's reference fields.
//
// A tracing callback receives a Visitor and the payload address of the object
// to walk. For every outgoing reference it finds, it calls back into the
// Visitor. The Visitor decides whether the referent must be marked, deferred,
// or handled as a weak reference.
//
// Base objects are modelled as a tagged variant rather than a reserved
// pointer value: a Descriptor either names the payload of a fully resolved
// object, or says the object is not fully constructed yet and its header
// cannot be trusted.
package trace

import (
	"fmt"

	"github.com/kolkov/gcmark/internal/gc/heap"
)

// BaseObject identifies the object a trace unit walks.
//
// The zero value is a constructed object at heap.Nil, which is never a valid
// trace target. Use Constructed or NotFullyConstructed.
type BaseObject struct {
	payload heap.Address
	pending bool
}

// Constructed returns a BaseObject for the object whose payload starts at
// payload.
func Constructed(payload heap.Address) BaseObject {
	return BaseObject{payload: payload}
}

// NotFullyConstructed returns the BaseObject used when the object containing
// a reference is still being constructed and its start cannot be resolved.
func NotFullyConstructed() BaseObject {
	return BaseObject{pending: true}
}

// Payload returns the payload address of the base object. ok is false for a
// not fully constructed base.
func (b BaseObject) Payload() (payload heap.Address, ok bool) {
	if b.pending {
		return heap.Nil, false
	}
	return b.payload, true
}

// IsNotFullyConstructed reports whether b is the not-fully-constructed
// variant.
func (b BaseObject) IsNotFullyConstructed() bool {
	return b.pending
}

// String returns a human readable form for diagnostics.
func (b BaseObject) String() string {
	if b.pending {
		return "<not fully constructed>"
	}
	return fmt.Sprintf("0x%x", uintptr(b.payload))
}

// Callback walks the reference fields of the object at payload and reports
// each one to v.
type Callback func(v Visitor, payload heap.Address)

// Descriptor is a trace unit: the object to walk and the callback that knows
// its layout.
type Descriptor struct {
	Base     BaseObject
	Callback Callback
}

// WeakCallback is invoked after the reachability fixed point. It queries the
// broker to decide whether the object referenced by arg survived.
type WeakCallback func(b LivenessBroker, arg any)

// Visitor receives the references found by a Callback.
//
// Slot-based entry points (Trace, TraceWeak) read the reference stored in a
// payload word and resolve its descriptor from the referent's type. The
// descriptor-based entry points are for callers that already resolved one.
type Visitor interface {
	// Trace handles the strong reference stored at slot. Nil references and
	// values that do not point into the heap are ignored.
	Trace(slot heap.Address)

	// TraceWeak handles the weak reference stored at slot. If the referent
	// may die, the slot is registered to be cleared after marking.
	TraceWeak(slot heap.Address)

	// Visit handles a strong reference to object, which may be an interior
	// address of desc.Base.
	Visit(object heap.Address, desc Descriptor)

	// VisitWeak handles a weak reference to object. cb is invoked with arg
	// after marking unless the referent is known to be live.
	VisitWeak(object heap.Address, desc Descriptor, cb WeakCallback, arg any)

	// RegisterWeakCallback schedules cb(arg) for after the fixed point.
	RegisterWeakCallback(cb WeakCallback, arg any)
}
