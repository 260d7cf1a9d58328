package gc_test

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kolkov/gcmark/gc"
)

// traceFields reports every payload word as a strong reference.
func traceFields(v gc.Visitor, obj gc.Address) {
	for off := uintptr(0); off < gc.PayloadSize(obj); off += 8 {
		v.Trace(obj + gc.Address(off))
	}
}

// traceEntry reports a key strongly and a value weakly.
func traceEntry(v gc.Visitor, obj gc.Address) {
	v.Trace(obj)
	v.TraceWeak(obj + 8)
}

var nodeType, entryType atomic.Uint32

func nodeIndex() gc.TypeIndex {
	idx, err := gc.EnsureType(&nodeType, gc.TypeInfo{Name: "example.Node", Trace: traceFields})
	if err != nil {
		panic(err)
	}
	return idx
}

func entryIndex() gc.TypeIndex {
	idx, err := gc.EnsureType(&entryType, gc.TypeInfo{Name: "example.Entry", Trace: traceEntry})
	if err != nil {
		panic(err)
	}
	return idx
}

func quiet() gc.Config {
	cfg := gc.DefaultConfig()
	cfg.Tasks = 2
	cfg.Out = nil
	return cfg
}

// Example marks a three-node list and leaves an unreachable node alone.
func Example() {
	h := gc.NewHeap("list")
	defer h.Release()

	var list gc.Address
	for range 3 {
		n, _ := h.Allocate(8, nodeIndex())
		gc.StoreRef(n, list)
		list = n
	}
	garbage, _ := h.Allocate(8, nodeIndex())

	stats, err := gc.Mark(context.Background(), h, quiet(), list)
	if err != nil {
		panic(err)
	}
	fmt.Println("marked objects:", stats.MarkedObjects)
	fmt.Println("marked bytes:", stats.MarkedBytes)
	fmt.Println("garbage marked:", gc.IsMarked(garbage))

	// Output:
	// marked objects: 3
	// marked bytes: 48
	// garbage marked: false
}

// Example_weakRoot shows weak references being cleared after marking.
func Example_weakRoot() {
	h := gc.NewHeap("weak")
	defer h.Release()

	key, _ := h.Allocate(8, nodeIndex())
	value, _ := h.Allocate(8, nodeIndex())
	entry, _ := h.Allocate(16, entryIndex())
	gc.StoreRef(entry, key)
	gc.StoreRef(entry+8, value)

	handle := &gc.WeakRoot{Ref: value}

	m := gc.NewMarker(h, quiet())
	_ = m.StartMarking()
	_ = m.VisitRoots(entry)
	_ = m.AddWeakRoot(handle)
	if _, err := m.FinishMarking(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println("key marked:", gc.IsMarked(key))
	fmt.Println("weak field cleared:", gc.LoadRef(entry+8) == gc.Nil)
	fmt.Println("weak root cleared:", handle.Ref == gc.Nil)

	// Output:
	// key marked: true
	// weak field cleared: true
	// weak root cleared: true
}

// Example_incremental interleaves bounded marking steps with mutator stores.
func Example_incremental() {
	h := gc.NewHeap("incremental")
	defer h.Release()

	root, _ := h.Allocate(8, nodeIndex())
	var chain gc.Address
	for range 10 {
		n, _ := h.Allocate(8, nodeIndex())
		gc.StoreRef(n, chain)
		chain = n
	}
	gc.StoreRef(root, chain)
	late, _ := h.Allocate(8, nodeIndex())

	ctx := context.Background()
	m := gc.NewMarker(h, quiet())
	_ = m.StartMarking()
	_ = m.VisitRoots(root)

	// The first step marks the root and its child, then the mutator moves
	// the new object into the already-scanned root.
	if _, err := m.AdvanceMarking(ctx, 32); err != nil {
		panic(err)
	}
	m.StoreRef(root, late)

	stats, err := m.FinishMarking(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println("late object marked:", gc.IsMarked(late))
	fmt.Println("marked objects:", stats.MarkedObjects)

	// Output:
	// late object marked: true
	// marked objects: 12
}

func ExampleGetInfo() {
	info := gc.GetInfo()
	fmt.Println("scenario format:", info.ScenarioFormat)
	fmt.Println("page size:", info.PageSize)

	// Output:
	// scenario format: v1.1.0
	// page size: 131072
}
