// Package heap implements the page/region registry of the managed heap.
//
// A Heap owns regions of real, PageSize-aligned memory. Normal pages hold
// many small objects carved by bump allocation; large pages hold one object
// each. Every object is preceded by an inline header.Header word.
//
// All regions of all heaps are registered in a process-wide page table, so
// any address resolves to its region, its owning Heap and, for interior
// addresses, the header of the object containing it. Object payloads are
// arrays of 64-bit words; reference fields hold the payload Address of the
// referenced object.
//
// # Thread Safety
//
// Allocation is serialized per heap. Address resolution, header access and
// word loads/stores are lock-free and safe for concurrent use by marking
// tasks and mutators.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kolkov/gcmark/internal/gc/header"
)

// Address is a location in heap memory.
type Address uintptr

// Nil is the null reference.
const Nil Address = 0

var (
	// ErrOutOfMemory is returned when an allocation would exceed the heap's
	// size limit.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrInvalidAddress is returned when an address is not the payload of a
	// live object in the heap.
	ErrInvalidAddress = errors.New("heap: invalid object address")

	// ErrReservedIndex is returned for allocations with GCInfo index 0.
	ErrReservedIndex = errors.New("heap: GCInfo index 0 is reserved")

	// ErrReleased is returned by allocations on a released heap.
	ErrReleased = errors.New("heap: heap has been released")
)

// MaxObjectSize is the largest payload a single allocation may request.
const MaxObjectSize = 1 << 30

// Option configures a Heap.
type Option func(*Heap)

// WithName sets the heap name used in reports.
func WithName(name string) Option {
	return func(h *Heap) { h.name = name }
}

// WithMaxSize limits the bytes of region memory the heap may reserve.
// Zero means unlimited.
func WithMaxSize(bytes uintptr) Option {
	return func(h *Heap) { h.maxSize = bytes }
}

// Stats is a snapshot of heap occupancy.
type Stats struct {
	NormalPages    int
	LargePages     int
	Objects        int
	CommittedBytes uint64 // Region memory reserved.
	AllocatedBytes uint64 // Object bytes handed out, headers included.
}

// Heap is a managed heap instance.
type Heap struct {
	name    string
	maxSize uintptr

	// mu serializes allocation and region bookkeeping.
	mu       sync.Mutex
	current  *NormalPage
	regions  []Page
	stats    Stats
	released bool
}

// New creates an empty heap.
func New(opts ...Option) *Heap {
	h := &Heap{name: "heap"}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the heap name.
func (h *Heap) Name() string {
	return h.name
}

// Allocate returns the payload address of a new, fully constructed object
// with payloadSize bytes of zeroed payload.
func (h *Heap) Allocate(payloadSize uintptr, index header.GCInfoIndex) (Address, error) {
	return h.allocate(payloadSize, index, false)
}

// AllocateInConstruction is like Allocate but leaves the in-construction bit
// set until MarkFullyConstructed is called.
func (h *Heap) AllocateInConstruction(payloadSize uintptr, index header.GCInfoIndex) (Address, error) {
	return h.allocate(payloadSize, index, true)
}

func (h *Heap) allocate(payloadSize uintptr, index header.GCInfoIndex, inConstruction bool) (Address, error) {
	if index == 0 {
		return Nil, ErrReservedIndex
	}
	if payloadSize > MaxObjectSize || (h.maxSize != 0 && payloadSize > h.maxSize) {
		return Nil, fmt.Errorf("allocate %d bytes: object too large: %w", payloadSize, ErrOutOfMemory)
	}
	size := roundUp(payloadSize+header.Size, header.AllocationGranularity)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return Nil, ErrReleased
	}
	if size >= LargeObjectThreshold {
		return h.allocateLarge(size, index, inConstruction)
	}

	if h.current == nil || h.current.remaining() < size {
		mem, base, err := h.reserve(PageSize)
		if err != nil {
			return Nil, fmt.Errorf("allocate %d bytes: %w", payloadSize, err)
		}
		p := newNormalPage(h, mem, base)
		h.register(p)
		h.current = p
		h.stats.NormalPages++
	}

	payload := h.current.allocate(size, index, inConstruction)
	h.stats.Objects++
	h.stats.AllocatedBytes += uint64(size)
	return payload, nil
}

// allocateLarge places one object in a dedicated region. Called with h.mu held.
func (h *Heap) allocateLarge(size uintptr, index header.GCInfoIndex, inConstruction bool) (Address, error) {
	mem, base, err := h.reserve(roundUp(pageHeaderSize+size, PageSize))
	if err != nil {
		return Nil, fmt.Errorf("allocate large object of %d bytes: %w", size, err)
	}
	p := &LargePage{
		basePage:    basePage{heap: h, mem: mem, base: base},
		payloadSize: size,
	}
	p.ObjectHeader().Init(header.LargeObjectSizeInHeader, index, inConstruction)
	h.register(p)
	h.stats.LargePages++
	h.stats.Objects++
	h.stats.AllocatedBytes += uint64(size)
	return p.payloadStart() + header.Size, nil
}

// reserve obtains size bytes of zeroed, PageSize-aligned memory. Called with
// h.mu held.
func (h *Heap) reserve(size uintptr) ([]atomic.Uint64, Address, error) {
	committed := uintptr(h.stats.CommittedBytes)
	if h.maxSize != 0 && (committed > h.maxSize || size > h.maxSize-committed) {
		return nil, Nil, ErrOutOfMemory
	}
	// Over-allocate by one page so an aligned window always fits.
	raw := make([]atomic.Uint64, (size+PageSize)/wordSize)
	start := Address(uintptr(unsafe.Pointer(&raw[0])))
	base := Address(roundUp(uintptr(start), PageSize))
	skip := int(base-start) / wordSize
	h.stats.CommittedBytes += uint64(size)
	return raw[skip : skip+int(size/wordSize)], base, nil
}

// register publishes every page number spanned by p. Called with h.mu held.
func (h *Heap) register(p Page) {
	for page := uintptr(p.Base()) >> PageSizeLog2; page < uintptr(p.End())>>PageSizeLog2; page++ {
		pages.insert(page, p)
	}
	h.regions = append(h.regions, p)
}

// Release unregisters all regions of the heap. Addresses of the heap no
// longer resolve afterwards and further allocations fail with ErrReleased.
// Release must not run concurrently with marking.
func (h *Heap) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.regions {
		for page := uintptr(p.Base()) >> PageSizeLog2; page < uintptr(p.End())>>PageSizeLog2; page++ {
			pages.remove(page, p)
		}
	}
	h.regions = nil
	h.current = nil
	h.released = true
}

// MarkFullyConstructed clears the in-construction bit of the object at
// payload.
func (h *Heap) MarkFullyConstructed(payload Address) error {
	hdr, err := h.objectHeader(payload)
	if err != nil {
		return err
	}
	hdr.MarkAsFullyConstructed()
	return nil
}

// Free reclaims the object at payload: its free bit is set and its payload
// is zeroed so stale references inside it are never followed.
func (h *Heap) Free(payload Address) error {
	hdr, err := h.objectHeader(payload)
	if err != nil {
		return err
	}
	if hdr.IsFree() {
		return fmt.Errorf("free 0x%x: already free: %w", uintptr(payload), ErrInvalidAddress)
	}
	end := payload + Address(PayloadSize(hdr))
	for a := payload; a < end; a += wordSize {
		StoreWord(a, 0)
	}
	hdr.SetFree()
	return nil
}

// objectHeader validates that payload is an object start in this heap.
func (h *Heap) objectHeader(payload Address) (*header.Header, error) {
	p := PageFromAddress(payload)
	if p == nil || p.Heap() != h {
		return nil, fmt.Errorf("0x%x: not in heap %q: %w", uintptr(payload), h.name, ErrInvalidAddress)
	}
	hdr := p.ObjectHeaderFromInnerAddress(payload)
	if hdr == nil || PayloadOf(hdr) != payload {
		return nil, fmt.Errorf("0x%x: not an object start: %w", uintptr(payload), ErrInvalidAddress)
	}
	return hdr, nil
}

// ForEachObject calls fn for every allocated object, free ones included,
// until fn returns false. It must not run concurrently with allocation.
func (h *Heap) ForEachObject(fn func(hdr *header.Header, payload Address) bool) {
	h.mu.Lock()
	regions := append([]Page(nil), h.regions...)
	h.mu.Unlock()

	for _, p := range regions {
		switch p := p.(type) {
		case *NormalPage:
			if !p.forEachHeader(fn) {
				return
			}
		case *LargePage:
			if !fn(p.ObjectHeader(), p.payloadStart()+header.Size) {
				return
			}
		}
	}
}

// Stats returns a snapshot of heap occupancy.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// PageFromAddress returns the region containing a, or nil if a is not heap
// memory of any live heap.
func PageFromAddress(a Address) Page {
	p := pages.lookup(uintptr(a) >> PageSizeLog2)
	if p == nil || !p.Contains(a) {
		return nil
	}
	return p
}

// HeaderFromPayload returns the header of the object whose payload starts
// at payload. The address must be an object payload; anything else is a
// caller bug and panics like a fault on unmapped memory.
func HeaderFromPayload(payload Address) *header.Header {
	p := PageFromAddress(payload)
	if p == nil {
		panic(fmt.Errorf("header of 0x%x: %w", uintptr(payload), ErrInvalidAddress))
	}
	return (*header.Header)(unsafe.Pointer(p.word(payload - header.Size)))
}

// ContainingHeader resolves an arbitrary address to the header and payload
// address of the object whose storage contains it. It returns (nil, Nil) if
// no object does.
func ContainingHeader(a Address) (*header.Header, Address) {
	p := PageFromAddress(a)
	if p == nil {
		return nil, Nil
	}
	hdr := p.ObjectHeaderFromInnerAddress(a)
	if hdr == nil {
		return nil, Nil
	}
	return hdr, PayloadOf(hdr)
}

// AddressOf returns the address of a header.
func AddressOf(hdr *header.Header) Address {
	return Address(uintptr(unsafe.Pointer(hdr)))
}

// PayloadOf returns the payload address of the object described by hdr.
func PayloadOf(hdr *header.Header) Address {
	return AddressOf(hdr) + header.Size
}

// PageOf returns the region holding hdr.
func PageOf(hdr *header.Header) Page {
	return PageFromAddress(AddressOf(hdr))
}

// PayloadSize returns the payload bytes of the object described by hdr,
// reading the region for large objects. A large header outside a large
// region is heap corruption and panics.
func PayloadSize(hdr *header.Header) uintptr {
	if hdr.IsLargeObject() {
		lp, ok := PageOf(hdr).(*LargePage)
		if !ok {
			panic(fmt.Errorf("payload size of 0x%x: large header outside a large page: %w", uintptr(AddressOf(hdr)), ErrInvalidAddress))
		}
		return lp.PayloadSize() - header.Size
	}
	return hdr.Size() - header.Size
}

// LoadWord atomically reads the word at a. It panics if a is not heap
// memory.
func LoadWord(a Address) uint64 {
	return mustPage(a).word(a).Load()
}

// StoreWord atomically writes the word at a. It panics if a is not heap
// memory.
func StoreWord(a Address, v uint64) {
	mustPage(a).word(a).Store(v)
}

// LoadRef reads the reference stored in slot.
func LoadRef(slot Address) Address {
	return Address(LoadWord(slot))
}

// StoreRef writes a reference into slot.
func StoreRef(slot Address, v Address) {
	StoreWord(slot, uint64(v))
}

func mustPage(a Address) Page {
	p := PageFromAddress(a)
	if p == nil || a%wordSize != 0 {
		panic(fmt.Errorf("access 0x%x: %w", uintptr(a), ErrInvalidAddress))
	}
	return p
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// PageTableStats reports occupancy of the process-wide page table.
func PageTableStats() (occupied, overflowed int) {
	return pages.stats()
}
