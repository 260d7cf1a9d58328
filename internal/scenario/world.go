package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/kolkov/gcmark/internal/gc/gcinfo"
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/marker"
	"github.com/kolkov/gcmark/internal/gc/trace"
)

// World is a scenario materialized on a fresh heap.
type World struct {
	File  *File
	Heap  *heap.Heap
	Types *gcinfo.Table

	// Roots are the resolved strong roots.
	Roots []heap.Address

	// WeakRoots are the weak handles, in file order.
	WeakRoots []*marker.WeakRoot

	objects map[string]heap.Address
}

// traceAll traces every payload word strongly.
func traceAll(v trace.Visitor, payload heap.Address) {
	end := payload + heap.Address(heap.PayloadSize(heap.HeaderFromPayload(payload)))
	for slot := payload; slot < end; slot += 8 {
		v.Trace(slot)
	}
}

// layoutTrace returns the trace callback of a declared type.
func layoutTrace(strong, weak int) trace.Callback {
	return func(v trace.Visitor, payload heap.Address) {
		slot := payload
		for range strong {
			v.Trace(slot)
			slot += 8
		}
		for range weak {
			v.TraceWeak(slot)
			slot += 8
		}
	}
}

// Build allocates the objects of f on a new heap and links them.
func Build(f *File) (*World, error) {
	types := gcinfo.NewTable()
	if _, err := types.Register(gcinfo.Info{Name: AnyType, Trace: traceAll}); err != nil {
		return nil, err
	}
	for _, t := range f.Types {
		if _, err := types.Register(gcinfo.Info{Name: t.Name, Trace: layoutTrace(t.Strong, t.Weak)}); err != nil {
			return nil, fmt.Errorf("register type %q: %w", t.Name, err)
		}
	}

	name := f.Heap
	if name == "" {
		name = f.Name
	}
	w := &World{
		File:    f,
		Heap:    heap.New(heap.WithName(name)),
		Types:   types,
		objects: make(map[string]heap.Address, len(f.Objects)),
	}

	for i, o := range f.Objects {
		idx, _ := types.Lookup(f.typeOf(o))
		size := uintptr(f.payloadSize(o))
		var (
			a   heap.Address
			err error
		)
		if o.InConstruction {
			a, err = w.Heap.AllocateInConstruction(size, idx)
		} else {
			a, err = w.Heap.Allocate(size, idx)
		}
		if err != nil {
			w.Release()
			return nil, &Error{
				File:    f.Name,
				Field:   fmt.Sprintf("objects[%d]", i),
				Message: fmt.Sprintf("allocate %q: %v", o.ID, err),
				Err:     err,
			}
		}
		w.objects[o.ID] = a
	}

	for _, o := range f.Objects {
		a := w.objects[o.ID]
		for j, r := range o.Refs {
			heap.StoreRef(a+heap.Address(8*j), w.resolve(r))
		}
		strong := f.types[f.typeOf(o)].Strong
		for j, r := range o.Weak {
			heap.StoreRef(a+heap.Address(8*(strong+j)), w.resolve(r))
		}
	}

	for _, r := range f.Roots {
		w.Roots = append(w.Roots, w.resolve(r))
	}
	for _, r := range f.WeakRoots {
		w.WeakRoots = append(w.WeakRoots, &marker.WeakRoot{Ref: w.resolve(r)})
	}
	return w, nil
}

// resolve converts a validated reference string to a word.
func (w *World) resolve(s string) heap.Address {
	r, _ := parseRef(s)
	switch r.kind {
	case refObject:
		return w.objects[r.id] + heap.Address(r.offset)
	case refRaw:
		return heap.Address(r.raw)
	default:
		return heap.Nil
	}
}

// Object returns the payload address of the object with the given id.
func (w *World) Object(id string) (heap.Address, bool) {
	a, ok := w.objects[id]
	return a, ok
}

// Release returns the heap memory.
func (w *World) Release() {
	w.Heap.Release()
}

// Mark runs one marking phase over the world: the roots are visited, the
// scenario steps run as incremental steps with their stores and
// construction completions applied in between, and the phase is finished.
func (w *World) Mark(ctx context.Context, cfg marker.Config) (marker.Stats, error) {
	m := marker.New(w.Heap, w.Types, cfg)
	if err := m.StartMarking(); err != nil {
		return marker.Stats{}, err
	}
	if err := m.VisitRoots(w.Roots...); err != nil {
		return marker.Stats{}, err
	}
	for _, r := range w.WeakRoots {
		if err := m.AddWeakRoot(r); err != nil {
			return marker.Stats{}, err
		}
	}

	for i, st := range w.File.Steps {
		if _, err := m.AdvanceMarking(ctx, st.Budget); err != nil {
			return marker.Stats{}, fmt.Errorf("step %d: %w", i, err)
		}
		for _, s := range st.Stores {
			m.StoreRef(w.objects[s.Object]+heap.Address(8*s.Slot), w.resolve(s.Ref))
		}
		for _, id := range st.Construct {
			if err := w.Heap.MarkFullyConstructed(w.objects[id]); err != nil {
				return marker.Stats{}, fmt.Errorf("step %d: construct %q: %w", i, id, err)
			}
		}
	}
	return m.FinishMarking(ctx)
}

// Verify checks the outcome of Mark against the object graph and the
// expectations of the file. Every mismatch is reported.
//
// Every object reachable in the final graph must be marked. Without steps
// the converse must hold as well: nothing unreachable may be marked.
// Objects dropped by stores between steps may survive as floating
// garbage.
func (w *World) Verify(stats marker.Stats) error {
	var errs []error
	mismatch := func(field, format string, args ...any) {
		errs = append(errs, errorf(w.File.Name, field, format, args...))
	}

	g := w.File.Graph()
	reachable := make([]bool, g.NumNodes())
	for _, n := range g.Reachable() {
		reachable[n] = true
	}
	for i, o := range w.File.Objects {
		marked := w.isMarked(i)
		switch {
		case reachable[i] && !marked:
			mismatch(fmt.Sprintf("objects[%d]", i), "reachable object %q is not marked", o.ID)
		case !reachable[i] && marked && len(w.File.Steps) == 0:
			mismatch(fmt.Sprintf("objects[%d]", i), "unreachable object %q is marked", o.ID)
		}
	}

	exp := w.File.Expect
	if exp == nil {
		return errors.Join(errs...)
	}
	for i, id := range exp.Live {
		if !w.isMarked(w.File.objects[id]) {
			mismatch(fmt.Sprintf("expect.live[%d]", i), "object %q is not marked", id)
		}
	}
	for i, id := range exp.Dead {
		if w.isMarked(w.File.objects[id]) {
			mismatch(fmt.Sprintf("expect.dead[%d]", i), "object %q is marked", id)
		}
	}
	for i, ref := range exp.Cleared {
		for j, wr := range w.File.WeakRoots {
			if wr == ref && w.WeakRoots[j].Ref != heap.Nil {
				mismatch(fmt.Sprintf("expect.cleared[%d]", i), "weak root %q was not cleared", ref)
			}
		}
	}
	if exp.MarkedBytes != nil && *exp.MarkedBytes != stats.MarkedBytes {
		mismatch("expect.markedBytes", "marked %d bytes, want %d", stats.MarkedBytes, *exp.MarkedBytes)
	}
	return errors.Join(errs...)
}

// isMarked reports whether object i of the file is marked.
func (w *World) isMarked(i int) bool {
	return heap.HeaderFromPayload(w.objects[w.File.Objects[i].ID]).IsMarked()
}
