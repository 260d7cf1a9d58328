package heap

import (
	"sync"
	"sync/atomic"
)

// pageTableSlots is the number of CAS slots in the page table (2^16).
const pageTableSlots = 1 << 16

// pageTableProbes bounds linear probing before an entry spills into the
// overflow map.
const pageTableProbes = 8

// pageTableEntry maps one page number to the region covering it.
type pageTableEntry struct {
	page uintptr // Address >> PageSizeLog2.
	region Page
}

// tombstone marks a slot whose entry was removed. Probing continues past it.
var tombstone = &pageTableEntry{}

// pageTable resolves page numbers to regions without locking on the lookup
// path.
//
// Architecture:
//   - Fixed-size array of atomic pointers (512KB)
//   - Multiplicative hash of the page number, linear probing
//   - Entries that find no free slot within pageTableProbes go to a sync.Map
//
// Lookups happen for every reference the marker follows, so the common case
// is a single atomic load. Registration and removal happen once per region.
type pageTable struct {
	slots [pageTableSlots]atomic.Pointer[pageTableEntry]

	// overflow holds entries whose probe sequence was exhausted.
	// Key: uintptr (page number), Value: Page.
	overflow sync.Map

	// overflowCount lets lookups skip the map in the common case.
	overflowCount atomic.Int64
}

// pages is the process-wide page table. Every heap registers its regions
// here so that any address resolves to its owning heap.
var pages pageTable

// pageHash computes the home slot for a page number.
//
// Multiplying by the 64-bit golden ratio and keeping the top 16 bits spreads
// consecutive page numbers across the table.
func pageHash(page uintptr) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (uint64(page) * goldenRatio) >> 48
}

// lookup returns the region registered for page, or nil.
func (t *pageTable) lookup(page uintptr) Page {
	hash := pageHash(page)
	for i := uint64(0); i < pageTableProbes; i++ {
		e := t.slots[(hash+i)&(pageTableSlots-1)].Load()
		if e == nil {
			break
		}
		if e != tombstone && e.page == page {
			return e.region
		}
	}
	if t.overflowCount.Load() == 0 {
		return nil
	}
	if v, ok := t.overflow.Load(page); ok {
		return v.(Page)
	}
	return nil
}

// insert registers region for page, replacing an existing entry for the
// same page number.
func (t *pageTable) insert(page uintptr, region Page) {
	entry := &pageTableEntry{page: page, region: region}
	hash := pageHash(page)

	// Replace in place if the page is already present.
	for i := uint64(0); i < pageTableProbes; i++ {
		slot := &t.slots[(hash+i)&(pageTableSlots-1)]
		e := slot.Load()
		if e == nil {
			break
		}
		if e != tombstone && e.page == page && slot.CompareAndSwap(e, entry) {
			return
		}
	}
	if _, ok := t.overflow.Load(page); ok {
		t.overflow.Store(page, region)
		return
	}

	for i := uint64(0); i < pageTableProbes; i++ {
		slot := &t.slots[(hash+i)&(pageTableSlots-1)]
		e := slot.Load()
		if e == nil || e == tombstone {
			if slot.CompareAndSwap(e, entry) {
				return
			}
		}
	}

	// Probe sequence exhausted.
	t.overflow.Store(page, region)
	t.overflowCount.Add(1)
}

// remove deletes the entry for page if it maps to region.
func (t *pageTable) remove(page uintptr, region Page) {
	hash := pageHash(page)
	for i := uint64(0); i < pageTableProbes; i++ {
		slot := &t.slots[(hash+i)&(pageTableSlots-1)]
		e := slot.Load()
		if e == nil {
			break
		}
		if e != tombstone && e.page == page && e.region == region {
			slot.CompareAndSwap(e, tombstone)
			return
		}
	}
	if v, ok := t.overflow.Load(page); ok && v.(Page) == region {
		t.overflow.Delete(page)
		t.overflowCount.Add(-1)
	}
}

// stats reports slot occupancy for diagnostics.
func (t *pageTable) stats() (occupied, overflowed int) {
	for i := range t.slots {
		if e := t.slots[i].Load(); e != nil && e != tombstone {
			occupied++
		}
	}
	return occupied, int(t.overflowCount.Load())
}
