// Package gcinfo implements the type-info table: the mapping from the compact
// type index stored in every object header to that type's tracing callback.
//
// Design:
//   - Index 0 is reserved and never handed out, so a zero header field is
//     always detectably invalid.
//   - Registration is append-only and serialized by a mutex.
//   - Readers see an immutable snapshot published through an atomic pointer
//     (copy-on-write), so lookups during marking take no lock.
//   - While a marking phase runs the table is frozen and registration fails
//     with ErrFrozen.
//
// Usage:
//
//	var nodeIndex atomic.Uint32
//
//	idx, err := gcinfo.Global().EnsureIndex(&nodeIndex, gcinfo.Info{
//	    Name:  "Node",
//	    Trace: traceNode,
//	})
//	payload, err := h.Allocate(size, idx)
package gcinfo

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/gcmark/internal/gc/header"
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/trace"
)

var (
	// ErrFrozen is returned by registrations attempted during marking.
	ErrFrozen = errors.New("gcinfo: table is frozen while marking")

	// ErrTableFull is returned when every index has been handed out.
	ErrTableFull = errors.New("gcinfo: table is full")

	// ErrNilTrace is returned for an Info without a tracing callback.
	ErrNilTrace = errors.New("gcinfo: trace callback is nil")

	// ErrDuplicateName is returned when a name is already registered.
	ErrDuplicateName = errors.New("gcinfo: type name already registered")
)

// Info describes one managed type.
type Info struct {
	// Trace walks the reference fields of an object of this type.
	Trace trace.Callback

	// Name is used in reports and for lookups. Optional.
	Name string
}

// Table is an append-only type-info registry.
type Table struct {
	// mu serializes registration and freezing.
	mu sync.Mutex

	// infos is the published snapshot. Entry 0 is the reserved slot.
	infos atomic.Pointer[[]Info]

	// freezes counts active marking phases.
	freezes atomic.Int32

	// byName maps type names to indices.
	byName sync.Map // string → header.GCInfoIndex
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	reserved := []Info{{Name: "<reserved>"}}
	t.infos.Store(&reserved)
	return t
}

var global = NewTable()

// Global returns the process-wide table.
func Global() *Table {
	return global
}

// Register adds info and returns its new index.
//
// Returns:
//   - ErrNilTrace if info.Trace is nil
//   - ErrFrozen if a marking phase is in progress
//   - ErrDuplicateName if info.Name is already taken
//   - ErrTableFull once header.MaxGCInfoIndex indices are in use
//
// Thread Safety: Safe for concurrent calls.
func (t *Table) Register(info Info) (header.GCInfoIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(info)
}

func (t *Table) registerLocked(info Info) (header.GCInfoIndex, error) {
	if info.Trace == nil {
		return 0, fmt.Errorf("register %q: %w", info.Name, ErrNilTrace)
	}
	if t.freezes.Load() > 0 {
		return 0, fmt.Errorf("register %q: %w", info.Name, ErrFrozen)
	}
	old := *t.infos.Load()
	if len(old) >= header.MaxGCInfoIndex {
		return 0, fmt.Errorf("register %q: %w", info.Name, ErrTableFull)
	}
	idx := header.GCInfoIndex(len(old))
	if info.Name != "" {
		if _, taken := t.byName.LoadOrStore(info.Name, idx); taken {
			return 0, fmt.Errorf("register %q: %w", info.Name, ErrDuplicateName)
		}
	}

	next := make([]Info, len(old), len(old)+1)
	copy(next, old)
	next = append(next, info)
	t.infos.Store(&next)
	return idx, nil
}

// EnsureIndex returns the index cached in slot, registering info on first
// use. Each managed type keeps one slot, so concurrent first allocations of
// a type agree on a single index.
//
// Thread Safety: Safe for concurrent calls.
func (t *Table) EnsureIndex(slot *atomic.Uint32, info Info) (header.GCInfoIndex, error) {
	if idx := slot.Load(); idx != 0 {
		return header.GCInfoIndex(idx), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if idx := slot.Load(); idx != 0 {
		return header.GCInfoIndex(idx), nil
	}
	idx, err := t.registerLocked(info)
	if err != nil {
		return 0, err
	}
	slot.Store(uint32(idx))
	return idx, nil
}

// FromIndex returns the Info registered at idx. An index that was never
// handed out means a corrupt header and panics.
//
// Thread Safety: Lock-free; safe during marking.
func (t *Table) FromIndex(idx header.GCInfoIndex) Info {
	infos := *t.infos.Load()
	if idx == 0 || int(idx) >= len(infos) {
		panic(fmt.Sprintf("gcinfo: index %d not registered (table has %d entries)", idx, len(infos)-1))
	}
	return infos[idx]
}

// Lookup returns the index registered under name.
func (t *Table) Lookup(name string) (header.GCInfoIndex, bool) {
	v, ok := t.byName.Load(name)
	if !ok {
		return 0, false
	}
	return v.(header.GCInfoIndex), true
}

// Len returns the number of registered types, the reserved slot excluded.
func (t *Table) Len() int {
	return len(*t.infos.Load()) - 1
}

// Freeze rejects registration until the matching Unfreeze. Freezes nest, so
// several heaps may mark concurrently against one table.
func (t *Table) Freeze() {
	t.mu.Lock()
	t.freezes.Add(1)
	t.mu.Unlock()
}

// Unfreeze ends one Freeze.
func (t *Table) Unfreeze() {
	if t.freezes.Add(-1) < 0 {
		panic("gcinfo: Unfreeze without Freeze")
	}
}

// IsFrozen reports whether a marking phase holds the table frozen.
func (t *Table) IsFrozen() bool {
	return t.freezes.Load() > 0
}

// DescriptorForHeader builds the trace unit of the object described by hdr
// from its own type index.
func (t *Table) DescriptorForHeader(hdr *header.Header) trace.Descriptor {
	return trace.Descriptor{
		Base:     trace.Constructed(heap.PayloadOf(hdr)),
		Callback: t.FromIndex(hdr.GCInfoIndex()).Trace,
	}
}

// TraceDescriptor resolves the trace unit for a reference value.
//
// A reference to an object's payload start yields that object. An interior
// reference resolves the containing object, unless that object is still in
// construction: its layout cannot be trusted yet, so the descriptor is
// NotFullyConstructed and the reference is deferred by the marker.
//
// ok is false when ref does not point into any heap object.
func (t *Table) TraceDescriptor(ref heap.Address) (desc trace.Descriptor, ok bool) {
	hdr, payload := heap.ContainingHeader(ref)
	if hdr == nil {
		return trace.Descriptor{}, false
	}
	if ref != payload && hdr.IsInConstruction() {
		return trace.Descriptor{Base: trace.NotFullyConstructed()}, true
	}
	return t.DescriptorForHeader(hdr), true
}
