// Package header implements the inline object header of the managed heap.
//
// Every heap object is preceded by a single 64-bit header word that lives in
// the object's own storage. The word packs all per-object metadata the
// marker needs:
//
//	bit  0      mark bit (set with CAS only, monotone within a marking phase)
//	bit  1      in-construction bit
//	bit  2      free bit
//	bits 3..31  reserved, always zero
//	bits 32..47 GCInfo index
//	bits 48..63 allocation size in granules (0 for large objects)
//
// The mark bit is the only field mutated concurrently by marking tasks. All
// other fields are written by the allocating thread before the object becomes
// reachable and are read-only while marking is in progress.
package header

import (
	"strconv"
	"sync/atomic"
)

// GCInfoIndex is the compact per-object type index into the GCInfo table.
type GCInfoIndex uint16

const (
	// Size is the size of an object header in bytes.
	Size = 8

	// AllocationGranularity is the alignment of every object and the unit
	// of the size field.
	AllocationGranularity = 8

	// LargeObjectSizeInHeader is the size field value stored for objects
	// living in a large region. Their size is kept by the region.
	LargeObjectSizeInHeader = 0

	// MaxSize is the largest allocation size (header included) that fits
	// the size field.
	MaxSize = sizeMask * AllocationGranularity

	// MaxGCInfoIndex is the exclusive upper bound on GCInfo indices.
	MaxGCInfoIndex = 1 << 14
)

const (
	markBit           uint64 = 1 << 0
	inConstructionBit uint64 = 1 << 1
	freeBit           uint64 = 1 << 2

	gcInfoShift = 32
	gcInfoMask  = 0xFFFF
	sizeShift   = 48
	sizeMask    = 0xFFFF
)

// Header is the 8-byte object header.
//
// A Header is never copied: it is always addressed in place inside heap
// memory, and its address determines the object it describes.
type Header struct {
	encoded atomic.Uint64
}

// Encode packs a header word for an unmarked object of the given allocation
// size (header included) and GCInfo index.
//
// A size of LargeObjectSizeInHeader marks the object as large. Sizes are
// truncated to the allocation granularity.
func Encode(size uintptr, index GCInfoIndex, inConstruction bool) uint64 {
	w := uint64(size/AllocationGranularity)&sizeMask<<sizeShift |
		uint64(index)&gcInfoMask<<gcInfoShift
	if inConstruction {
		w |= inConstructionBit
	}
	return w
}

// Init writes a fresh header word. Only the allocating thread may call Init,
// before the object is published.
func (h *Header) Init(size uintptr, index GCInfoIndex, inConstruction bool) {
	h.encoded.Store(Encode(size, index, inConstruction))
}

// TryMarkAtomic sets the mark bit with a compare-and-swap.
//
// It returns true only for the caller that performed the 0→1 transition.
// Concurrent callers racing on the same header observe exactly one true.
// A free header is never marked.
func (h *Header) TryMarkAtomic() bool {
	for {
		old := h.encoded.Load()
		if old&(markBit|freeBit) != 0 {
			return false
		}
		if h.encoded.CompareAndSwap(old, old|markBit) {
			return true
		}
	}
}

// IsMarked reports whether the mark bit is set.
func (h *Header) IsMarked() bool {
	return h.encoded.Load()&markBit != 0
}

// Unmark clears the mark bit. Marking never calls this; it belongs to the
// phase that resets the heap after sweeping.
func (h *Header) Unmark() {
	h.encoded.And(^markBit)
}

// IsInConstruction reports whether the object's fields may still be
// uninitialized.
//
// The read carries no ordering with construction completion. Callers must
// guarantee that no other goroutine completes construction concurrently,
// either by running single-threaded or after a safe point.
func (h *Header) IsInConstruction() bool {
	return h.encoded.Load()&inConstructionBit != 0
}

// MarkAsFullyConstructed clears the in-construction bit.
func (h *Header) MarkAsFullyConstructed() {
	h.encoded.And(^inConstructionBit)
}

// IsFree reports whether the header describes reclaimed memory.
func (h *Header) IsFree() bool {
	return h.encoded.Load()&freeBit != 0
}

// SetFree marks the object as reclaimed.
func (h *Header) SetFree() {
	h.encoded.Or(freeBit)
}

// Size returns the allocation size in bytes, header included.
// It is 0 for large objects.
func (h *Header) Size() uintptr {
	return uintptr(h.encoded.Load()>>sizeShift&sizeMask) * AllocationGranularity
}

// IsLargeObject reports whether the object lives in a single-object region.
func (h *Header) IsLargeObject() bool {
	return h.Size() == LargeObjectSizeInHeader
}

// GCInfoIndex returns the object's type index.
func (h *Header) GCInfoIndex() GCInfoIndex {
	return GCInfoIndex(h.encoded.Load() >> gcInfoShift & gcInfoMask)
}

// String returns a debug representation such as
// "size=32 gcinfo=3 marked in-construction".
func (h *Header) String() string {
	w := h.encoded.Load()
	s := "size=" + strconv.FormatUint(w>>sizeShift&sizeMask*AllocationGranularity, 10) +
		" gcinfo=" + strconv.FormatUint(w>>gcInfoShift&gcInfoMask, 10)
	if w&markBit != 0 {
		s += " marked"
	}
	if w&inConstructionBit != 0 {
		s += " in-construction"
	}
	if w&freeBit != 0 {
		s += " free"
	}
	return s
}
