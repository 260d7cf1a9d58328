// Package gc provides the public API of the gcmark concurrent marking core.
//
// gcmark implements the marking phase of a tracing garbage collector for a
// simulated managed heap: objects carry a one-word header with a mark bit,
// a type index and their size, and every type registers a trace callback
// that reports its reference fields. A Marker walks the object graph from
// a set of roots with several parallel tasks, optionally in incremental
// steps interleaved with mutator activity.
//
// # Quick Start
//
//	var nodeType atomic.Uint32
//
//	idx, _ := gc.EnsureType(&nodeType, gc.TypeInfo{Name: "Node", Trace: traceNode})
//	h := gc.NewHeap("demo")
//	defer h.Release()
//
//	head, _ := h.Allocate(16, idx)
//	stats, err := gc.Mark(ctx, h, gc.DefaultConfig(), head)
//
// # API Overview
//
// The package provides:
//   - Heaps and objects: [NewHeap], [LoadRef], [StoreRef], [IsMarked]
//   - Type registration: [RegisterType], [EnsureType]
//   - Marking: [NewMarker], [Mark], [DefaultConfig], [ConfigFromEnv]
//   - Version information: [GetInfo], [Version]
//
// # How It Works
//
// Marking follows the tri-color abstraction. Marking an object sets its
// mark bit with a compare-and-swap, so exactly one task wins and pushes the
// object's trace unit to a segmented worklist. Tasks pop units, account
// the object's bytes and run its trace callback, which marks and pushes
// the referenced objects in turn.
//
// Objects still being constructed are never traced through their callback
// while marking runs. They are deferred to the final pause and scanned
// conservatively there, word by word.
//
// Weak references are not traced. They are recorded together with a
// callback that runs after marking completes and clears references to
// objects that did not survive.
//
// # Incremental Marking
//
// Marker.AdvanceMarking bounds a step by a byte budget. Between steps the
// mutator may keep storing references, as long as it stores them through
// Marker.StoreRef, which applies a Dijkstra insertion barrier:
//
//	m := gc.NewMarker(h, cfg)
//	_ = m.StartMarking()
//	_ = m.VisitRoots(root)
//	for done := false; !done; {
//		done, _ = m.AdvanceMarking(ctx, 64<<10)
//		m.StoreRef(slot, value)
//	}
//	stats, err := m.FinishMarking(ctx)
//
// # Debug Checks
//
// Building with the gcmarkdebug tag enables protocol checks: marking an
// object of another heap, marking a free object or conservatively marking
// an object in construction panics with a descriptive error.
//
// # Examples
//
// See package-level examples in the documentation:
//   - [Example] - Marking a linked list
//   - [Example_weakRoot] - Weak roots cleared after marking
//   - [Example_incremental] - Incremental steps with a write barrier
package gc
