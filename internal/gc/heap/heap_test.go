package heap

import (
	"errors"
	"sync"
	"testing"

	"github.com/kolkov/gcmark/internal/gc/header"
)

const testIndex header.GCInfoIndex = 1

func newTestHeap(t *testing.T, opts ...Option) *Heap {
	t.Helper()
	h := New(opts...)
	t.Cleanup(h.Release)
	return h
}

// TestAllocate_ResolveHeader verifies exact payload → header resolution.
func TestAllocate_ResolveHeader(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(24, testIndex)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if a%header.AllocationGranularity != 0 {
		t.Errorf("payload 0x%x is not granule aligned", uintptr(a))
	}

	hdr := HeaderFromPayload(a)
	if hdr.Size() != 32 {
		t.Errorf("Size() = %d, want 32 (24 payload + 8 header)", hdr.Size())
	}
	if hdr.GCInfoIndex() != testIndex {
		t.Errorf("GCInfoIndex() = %d, want %d", hdr.GCInfoIndex(), testIndex)
	}
	if hdr.IsInConstruction() || hdr.IsMarked() || hdr.IsFree() {
		t.Errorf("unexpected header state: %s", hdr)
	}
	if PayloadOf(hdr) != a {
		t.Errorf("PayloadOf() = 0x%x, want 0x%x", uintptr(PayloadOf(hdr)), uintptr(a))
	}
	if p := PageOf(hdr); p == nil || p.Heap() != h || p.IsLarge() {
		t.Errorf("PageOf() = %v, want normal page of heap", p)
	}
}

// TestContainingHeader_Interior verifies that every byte of an object
// resolves to that object and never to a neighbour.
func TestContainingHeader_Interior(t *testing.T) {
	h := newTestHeap(t)

	sizes := []uintptr{8, 40, 16, 120, 0, 64}
	payloads := make([]Address, len(sizes))
	for i, size := range sizes {
		a, err := h.Allocate(size, testIndex)
		if err != nil {
			t.Fatalf("Allocate(%d) error = %v", size, err)
		}
		payloads[i] = a
	}

	for i, a := range payloads {
		hdr := HeaderFromPayload(a)
		start := AddressOf(hdr)
		end := start + Address(hdr.Size())
		for b := start; b < end; b++ {
			got, payload := ContainingHeader(b)
			if got != hdr {
				t.Fatalf("object %d: ContainingHeader(0x%x) = %v, want object at 0x%x", i, uintptr(b), got, uintptr(a))
			}
			if payload != a {
				t.Fatalf("object %d: payload = 0x%x, want 0x%x", i, uintptr(payload), uintptr(a))
			}
		}
	}
}

// TestContainingHeader_Outside verifies misses outside allocated storage.
func TestContainingHeader_Outside(t *testing.T) {
	h := newTestHeap(t)
	a, err := h.Allocate(16, testIndex)
	if err != nil {
		t.Fatal(err)
	}
	p := PageFromAddress(a).(*NormalPage)

	tests := []struct {
		name string
		addr Address
	}{
		{"nil", Nil},
		{"page metadata", p.Base()},
		{"past top", p.Top()},
		{"page end", p.End() - 1},
		{"unmapped", 0x10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, payload := ContainingHeader(tt.addr); got != nil || payload != Nil {
				t.Errorf("ContainingHeader(0x%x) = %v, 0x%x; want nil", uintptr(tt.addr), got, uintptr(payload))
			}
		})
	}
}

// TestAllocate_Large verifies large object placement and accounting.
func TestAllocate_Large(t *testing.T) {
	h := newTestHeap(t)

	const payload = PageSize + 1000
	a, err := h.Allocate(payload, testIndex)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	hdr := HeaderFromPayload(a)
	if !hdr.IsLargeObject() {
		t.Fatalf("IsLargeObject() = false for %d byte object", payload)
	}
	lp, ok := PageOf(hdr).(*LargePage)
	if !ok {
		t.Fatalf("PageOf() = %T, want *LargePage", PageOf(hdr))
	}
	want := roundUp(payload+header.Size, header.AllocationGranularity)
	if lp.PayloadSize() != want {
		t.Errorf("PayloadSize() = %d, want %d", lp.PayloadSize(), want)
	}
	if PayloadSize(hdr) != want-header.Size {
		t.Errorf("heap.PayloadSize() = %d, want %d", PayloadSize(hdr), want-header.Size)
	}

	// Interior addresses deep inside the object, including past the first
	// PageSize window, resolve to the single header.
	for _, off := range []Address{0, 8, PageSize, Address(want) - header.Size - 1} {
		if got, _ := ContainingHeader(a + off); got != hdr {
			t.Errorf("ContainingHeader(payload+%d) = %v, want large object header", off, got)
		}
	}

	stats := h.Stats()
	if stats.LargePages != 1 || stats.Objects != 1 {
		t.Errorf("Stats() = %+v, want 1 large page, 1 object", stats)
	}
}

// TestAllocate_Errors verifies allocation failures.
func TestAllocate_Errors(t *testing.T) {
	h := newTestHeap(t, WithMaxSize(PageSize))

	if _, err := h.Allocate(8, 0); !errors.Is(err, ErrReservedIndex) {
		t.Errorf("Allocate(index 0) error = %v, want ErrReservedIndex", err)
	}

	if _, err := h.Allocate(8, testIndex); err != nil {
		t.Fatalf("first page allocation failed: %v", err)
	}
	if _, err := h.Allocate(LargeObjectThreshold, testIndex); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Allocate beyond limit error = %v, want ErrOutOfMemory", err)
	}

	if _, err := h.Allocate(2*PageSize, testIndex); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Allocate above max size error = %v, want ErrOutOfMemory", err)
	}

	unlimited := newTestHeap(t)
	for _, size := range []uintptr{MaxObjectSize + 1, 2 * MaxObjectSize, ^uintptr(0), ^uintptr(0) - header.Size} {
		if _, err := unlimited.Allocate(size, testIndex); !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("Allocate(%d) error = %v, want ErrOutOfMemory", size, err)
		}
		if _, err := unlimited.AllocateInConstruction(size, testIndex); !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("AllocateInConstruction(%d) error = %v, want ErrOutOfMemory", size, err)
		}
	}
	if stats := unlimited.Stats(); stats.Objects != 0 || stats.CommittedBytes != 0 {
		t.Errorf("Stats() after rejected allocations = %+v, want empty", stats)
	}

	h.Release()
	if _, err := h.Allocate(8, testIndex); !errors.Is(err, ErrReleased) {
		t.Errorf("Allocate after Release error = %v, want ErrReleased", err)
	}
}

// TestPayloadSize_CorruptLargeHeader verifies a large header on a normal
// page is reported instead of read as an empty payload.
func TestPayloadSize_CorruptLargeHeader(t *testing.T) {
	h := newTestHeap(t)
	a, err := h.Allocate(16, testIndex)
	if err != nil {
		t.Fatal(err)
	}
	hdr := HeaderFromPayload(a)
	hdr.Init(header.LargeObjectSizeInHeader, testIndex, false)

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("panic = %v, want ErrInvalidAddress", r)
		}
	}()
	PayloadSize(hdr)
}

// TestAllocate_SpillsToNewPage verifies bump allocation moves to a fresh
// page when the current one is exhausted.
func TestAllocate_SpillsToNewPage(t *testing.T) {
	h := newTestHeap(t)

	const size = 4096 - header.Size
	var first, last Address
	for i := 0; i < 2*PageSize/4096; i++ {
		a, err := h.Allocate(size, testIndex)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = a
		}
		last = a
	}

	if PageFromAddress(first) == PageFromAddress(last) {
		t.Error("expected allocations to span several pages")
	}
	if got := h.Stats().NormalPages; got < 2 {
		t.Errorf("NormalPages = %d, want >= 2", got)
	}
}

// TestConstructionAndFree verifies construction completion and freeing.
func TestConstructionAndFree(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.AllocateInConstruction(16, testIndex)
	if err != nil {
		t.Fatal(err)
	}
	if !HeaderFromPayload(a).IsInConstruction() {
		t.Fatal("object allocated in construction lacks the bit")
	}
	if err := h.MarkFullyConstructed(a); err != nil {
		t.Fatalf("MarkFullyConstructed() error = %v", err)
	}
	if HeaderFromPayload(a).IsInConstruction() {
		t.Fatal("in-construction bit still set")
	}

	StoreWord(a, 0xdead)
	if err := h.Free(a); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if !HeaderFromPayload(a).IsFree() {
		t.Error("IsFree() = false after Free()")
	}
	if LoadWord(a) != 0 {
		t.Error("Free() must zero the payload")
	}
	if err := h.Free(a); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("double Free() error = %v, want ErrInvalidAddress", err)
	}
	if err := h.Free(a + 8); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Free(interior) error = %v, want ErrInvalidAddress", err)
	}
}

// TestCrossHeapResolution verifies each region reports its own heap.
func TestCrossHeapResolution(t *testing.T) {
	h1 := newTestHeap(t, WithName("one"))
	h2 := newTestHeap(t, WithName("two"))

	a1, _ := h1.Allocate(8, testIndex)
	a2, _ := h2.Allocate(8, testIndex)

	if PageFromAddress(a1).Heap() != h1 {
		t.Error("object of heap one resolves to another heap")
	}
	if PageFromAddress(a2).Heap() != h2 {
		t.Error("object of heap two resolves to another heap")
	}
	if err := h1.Free(a2); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("freeing a foreign object error = %v, want ErrInvalidAddress", err)
	}
}

// TestRelease verifies addresses stop resolving after Release.
func TestRelease(t *testing.T) {
	h := New()
	a, err := h.Allocate(8, testIndex)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	if p := PageFromAddress(a); p != nil {
		t.Errorf("PageFromAddress() after Release = %v, want nil", p)
	}
}

// TestRefs verifies reference slot access.
func TestRefs(t *testing.T) {
	h := newTestHeap(t)
	a, _ := h.Allocate(16, testIndex)
	b, _ := h.Allocate(16, testIndex)

	StoreRef(a+8, b)
	if got := LoadRef(a + 8); got != b {
		t.Errorf("LoadRef() = 0x%x, want 0x%x", uintptr(got), uintptr(b))
	}

	defer func() {
		if recover() == nil {
			t.Error("LoadWord on unmapped memory did not panic")
		}
	}()
	LoadWord(0x10)
}

// TestForEachObject verifies object enumeration.
func TestForEachObject(t *testing.T) {
	h := newTestHeap(t)
	want := map[Address]bool{}
	for _, size := range []uintptr{8, 16, LargeObjectThreshold, 32} {
		a, err := h.Allocate(size, testIndex)
		if err != nil {
			t.Fatal(err)
		}
		want[a] = true
	}

	got := 0
	h.ForEachObject(func(hdr *header.Header, payload Address) bool {
		if !want[payload] {
			t.Errorf("unexpected object 0x%x", uintptr(payload))
		}
		if HeaderFromPayload(payload) != hdr {
			t.Errorf("header mismatch for 0x%x", uintptr(payload))
		}
		got++
		return true
	})
	if got != len(want) {
		t.Errorf("visited %d objects, want %d", got, len(want))
	}
}

// TestConcurrentAllocateAndResolve exercises lookups racing with allocation.
func TestConcurrentAllocateAndResolve(t *testing.T) {
	h := newTestHeap(t)

	const writers = 4
	const perWriter = 2000
	results := make([][]Address, writers)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				a, err := h.Allocate(uintptr(8*(i%7)), testIndex)
				if err != nil {
					t.Error(err)
					return
				}
				if got, payload := ContainingHeader(a - 1); got == nil || payload != a {
					t.Errorf("ContainingHeader(0x%x) failed during concurrent allocation", uintptr(a-1))
					return
				}
				results[w] = append(results[w], a)
			}
		}(w)
	}
	wg.Wait()

	seen := map[Address]bool{}
	for _, rs := range results {
		for _, a := range rs {
			if seen[a] {
				t.Fatalf("address 0x%x handed out twice", uintptr(a))
			}
			seen[a] = true
		}
	}
}
