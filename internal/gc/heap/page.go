package heap

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/gcmark/internal/gc/header"
)

const (
	// PageSizeLog2 is log2 of the region alignment.
	PageSizeLog2 = 17

	// PageSize is the extent of a normal page and the alignment of every
	// region (128 KiB).
	PageSize = 1 << PageSizeLog2

	// pageHeaderSize is the reserved metadata area at the start of every
	// region. No object starts inside it.
	pageHeaderSize = 64

	// LargeObjectThreshold is the smallest allocation size (header included)
	// that gets its own large region.
	LargeObjectThreshold = PageSize / 2

	wordSize = 8
)

// Page is a region of heap memory: either a NormalPage holding many objects
// or a LargePage holding exactly one.
type Page interface {
	// Heap returns the heap that owns the region.
	Heap() *Heap

	// Base returns the first address of the region.
	Base() Address

	// End returns the address one past the region.
	End() Address

	// IsLarge reports whether the region is a single-object LargePage.
	IsLarge() bool

	// Contains reports whether a lies inside the region.
	Contains(a Address) bool

	// ObjectHeaderFromInnerAddress returns the header of the object whose
	// storage (header or payload) contains a, or nil if no object does.
	ObjectHeaderFromInnerAddress(a Address) *header.Header

	word(a Address) *atomic.Uint64
}

// basePage holds the memory shared by both region kinds.
type basePage struct {
	heap *Heap
	mem  []atomic.Uint64
	base Address
}

func (p *basePage) Heap() *Heap   { return p.heap }
func (p *basePage) Base() Address { return p.base }
func (p *basePage) End() Address  { return p.base + Address(len(p.mem)*wordSize) }

func (p *basePage) Contains(a Address) bool {
	return a >= p.base && a < p.End()
}

func (p *basePage) word(a Address) *atomic.Uint64 {
	return &p.mem[(a-p.base)/wordSize]
}

// headerAt reinterprets the word at a as an object header.
func (p *basePage) headerAt(a Address) *header.Header {
	return (*header.Header)(unsafe.Pointer(p.word(a)))
}

// payloadStart is the address of the first object header in the region.
func (p *basePage) payloadStart() Address {
	return p.base + pageHeaderSize
}

// NormalPage is a PageSize region filled by bump allocation.
type NormalPage struct {
	basePage

	// top is the address of the next free byte. Only the allocating
	// goroutine advances it; markers read it to bound interior lookups.
	top atomic.Uintptr

	starts objectStartBitmap
}

func newNormalPage(h *Heap, mem []atomic.Uint64, base Address) *NormalPage {
	p := &NormalPage{basePage: basePage{heap: h, mem: mem, base: base}}
	p.top.Store(uintptr(p.payloadStart()))
	return p
}

func (p *NormalPage) IsLarge() bool { return false }

// remaining returns the free bytes left for bump allocation.
func (p *NormalPage) remaining() uintptr {
	return uintptr(p.End()) - p.top.Load()
}

// Top returns the end of the allocated area.
func (p *NormalPage) Top() Address {
	return Address(p.top.Load())
}

// allocate carves size bytes at top. The caller holds the heap lock and has
// checked remaining.
func (p *NormalPage) allocate(size uintptr, index header.GCInfoIndex, inConstruction bool) Address {
	at := Address(p.top.Load())
	p.headerAt(at).Init(size, index, inConstruction)
	p.starts.set(int((at - p.base) / header.AllocationGranularity))
	p.top.Store(uintptr(at) + size)
	return at + header.Size
}

func (p *NormalPage) ObjectHeaderFromInnerAddress(a Address) *header.Header {
	if a < p.payloadStart() || a >= Address(p.top.Load()) {
		return nil
	}
	idx, ok := p.starts.find(int((a - p.base) / header.AllocationGranularity))
	if !ok {
		return nil
	}
	return p.headerAt(p.base + Address(idx*header.AllocationGranularity))
}

// forEachHeader walks allocated objects in address order.
func (p *NormalPage) forEachHeader(fn func(h *header.Header, payload Address) bool) bool {
	top := Address(p.top.Load())
	for at := p.payloadStart(); at < top; {
		h := p.headerAt(at)
		if !fn(h, at+header.Size) {
			return false
		}
		at += Address(h.Size())
	}
	return true
}

// LargePage is a region holding a single object too big for a NormalPage.
type LargePage struct {
	basePage

	// payloadSize is the object's allocation size, header included. The
	// object header stores LargeObjectSizeInHeader instead.
	payloadSize uintptr
}

func (p *LargePage) IsLarge() bool { return true }

// PayloadSize returns the size of the region's object, header included.
func (p *LargePage) PayloadSize() uintptr {
	return p.payloadSize
}

// ObjectHeader returns the header of the region's single object.
func (p *LargePage) ObjectHeader() *header.Header {
	return p.headerAt(p.payloadStart())
}

func (p *LargePage) ObjectHeaderFromInnerAddress(a Address) *header.Header {
	start := p.payloadStart()
	if a < start || a >= start+Address(p.payloadSize) {
		return nil
	}
	return p.ObjectHeader()
}

// objectStartBitmap records one bit per allocation granule of a NormalPage;
// a set bit marks the first granule of an object (its header).
type objectStartBitmap struct {
	words [PageSize / header.AllocationGranularity / 64]atomic.Uint64
}

func (b *objectStartBitmap) set(granule int) {
	b.words[granule/64].Or(1 << (granule % 64))
}

// find returns the closest object start at or below granule.
func (b *objectStartBitmap) find(granule int) (int, bool) {
	w := granule / 64
	// Keep bits 0..granule%64. For bit 63 the shift wraps to 0 and the
	// mask becomes all ones.
	v := b.words[w].Load() & (uint64(2)<<(granule%64) - 1)
	for {
		if v != 0 {
			return w*64 + 63 - bits.LeadingZeros64(v), true
		}
		w--
		if w < 0 {
			return 0, false
		}
		v = b.words[w].Load()
	}
}
