// Package gc provides the public API of the gcmark marking core.
//
// See doc.go for detailed documentation and examples.
package gc

import (
	"context"
	"sync/atomic"

	"github.com/kolkov/gcmark/internal/gc/gcinfo"
	"github.com/kolkov/gcmark/internal/gc/header"
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/marker"
	"github.com/kolkov/gcmark/internal/gc/trace"
)

type (
	// Address is the address of a word in a managed heap.
	Address = heap.Address

	// Heap is a managed heap.
	Heap = heap.Heap

	// TypeIndex identifies a registered type.
	TypeIndex = header.GCInfoIndex

	// TypeInfo describes a managed type for registration.
	TypeInfo = gcinfo.Info

	// Visitor is passed to trace callbacks.
	Visitor = trace.Visitor

	// TraceFunc reports the reference fields of one object to a Visitor.
	TraceFunc = trace.Callback

	// LivenessBroker answers liveness queries in weak callbacks.
	LivenessBroker = trace.LivenessBroker

	// WeakCallback runs after marking for every registered weak reference.
	WeakCallback = trace.WeakCallback

	// Marker runs marking phases over one heap.
	Marker = marker.Marker

	// Config configures a Marker.
	Config = marker.Config

	// Stats summarizes a completed marking phase.
	Stats = marker.Stats

	// WeakRoot is an off-heap weak handle.
	WeakRoot = marker.WeakRoot
)

// Nil is the null reference.
const Nil = heap.Nil

// NewHeap creates an empty heap.
//
// The heap must be released with Heap.Release once no longer used.
func NewHeap(name string) *Heap {
	return heap.New(heap.WithName(name))
}

// RegisterType adds a type to the global type table.
//
// Returns:
//   - TypeIndex to pass to Heap.Allocate
//   - error if the name is taken, the trace callback is nil, or a marking
//     phase is running
func RegisterType(info TypeInfo) (TypeIndex, error) {
	return gcinfo.Global().Register(info)
}

// EnsureType registers info in the global type table once and caches the
// index in slot. Concurrent callers for the same slot get the same index.
//
// Example:
//
//	var nodeType atomic.Uint32
//
//	func nodeIndex() gc.TypeIndex {
//		idx, err := gc.EnsureType(&nodeType, gc.TypeInfo{Name: "Node", Trace: traceNode})
//		if err != nil {
//			panic(err)
//		}
//		return idx
//	}
func EnsureType(slot *atomic.Uint32, info TypeInfo) (TypeIndex, error) {
	return gcinfo.Global().EnsureIndex(slot, info)
}

// DefaultConfig returns the default marker configuration.
func DefaultConfig() Config {
	return marker.DefaultConfig()
}

// ConfigFromEnv returns DefaultConfig with overrides from the GCMARK_TASKS
// and GCMARK_VERBOSE environment variables.
func ConfigFromEnv() Config {
	return marker.ConfigFromEnv()
}

// NewMarker creates a marker for h using the global type table.
func NewMarker(h *Heap, cfg Config) *Marker {
	return marker.New(h, gcinfo.Global(), cfg)
}

// Mark runs a complete, non-incremental marking phase over h from roots.
//
// Parameters:
//   - ctx: Cancels marking; the phase is abandoned on cancellation
//   - h: Heap to mark
//   - cfg: Marker configuration
//   - roots: Root references; nil and off-heap values are ignored
func Mark(ctx context.Context, h *Heap, cfg Config, roots ...Address) (Stats, error) {
	m := NewMarker(h, cfg)
	if err := m.StartMarking(); err != nil {
		return Stats{}, err
	}
	if err := m.VisitRoots(roots...); err != nil {
		return Stats{}, err
	}
	return m.FinishMarking(ctx)
}

// LoadRef reads the reference stored in slot.
func LoadRef(slot Address) Address {
	return heap.LoadRef(slot)
}

// StoreRef writes v into slot without a write barrier. While a marking
// phase runs use Marker.StoreRef instead.
func StoreRef(slot, v Address) {
	heap.StoreRef(slot, v)
}

// IsMarked reports whether the object containing a is marked. It is false
// for addresses outside any heap.
func IsMarked(a Address) bool {
	hdr, _ := heap.ContainingHeader(a)
	return hdr != nil && hdr.IsMarked()
}

// PayloadSize returns the payload size of the object whose payload starts
// at a.
func PayloadSize(a Address) uintptr {
	return heap.PayloadSize(heap.HeaderFromPayload(a))
}

// ClearWeakSlot is a WeakCallback for weak fields: arg is the slot address,
// and the slot is reset to Nil when its referent did not survive.
func ClearWeakSlot(b LivenessBroker, arg any) {
	trace.ClearWeakSlot(b, arg)
}
