package header

import (
	"sync"
	"sync/atomic"
	"testing"
)

// TestEncode verifies field packing and extraction.
func TestEncode(t *testing.T) {
	tests := []struct {
		name           string
		size           uintptr
		index          GCInfoIndex
		inConstruction bool
	}{
		{"smallest", Size, 1, false},
		{"typical", 48, 7, false},
		{"in construction", 64, 12, true},
		{"large", LargeObjectSizeInHeader, 3, false},
		{"max size", MaxSize, MaxGCInfoIndex - 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Header
			h.Init(tt.size, tt.index, tt.inConstruction)

			if got := h.Size(); got != tt.size {
				t.Errorf("Size() = %d, want %d", got, tt.size)
			}
			if got := h.GCInfoIndex(); got != tt.index {
				t.Errorf("GCInfoIndex() = %d, want %d", got, tt.index)
			}
			if got := h.IsInConstruction(); got != tt.inConstruction {
				t.Errorf("IsInConstruction() = %v, want %v", got, tt.inConstruction)
			}
			if h.IsMarked() {
				t.Error("fresh header must be unmarked")
			}
			if h.IsFree() {
				t.Error("fresh header must not be free")
			}
			if got := h.IsLargeObject(); got != (tt.size == LargeObjectSizeInHeader) {
				t.Errorf("IsLargeObject() = %v", got)
			}
		})
	}
}

// TestTryMarkAtomic verifies the 0→1 transition is reported exactly once.
func TestTryMarkAtomic(t *testing.T) {
	var h Header
	h.Init(32, 1, false)

	if !h.TryMarkAtomic() {
		t.Fatal("first TryMarkAtomic() = false, want true")
	}
	if h.TryMarkAtomic() {
		t.Fatal("second TryMarkAtomic() = true, want false")
	}
	if !h.IsMarked() {
		t.Fatal("IsMarked() = false after marking")
	}

	// Marking must leave the other fields untouched.
	if h.Size() != 32 || h.GCInfoIndex() != 1 {
		t.Errorf("fields changed by marking: %s", h.String())
	}

	h.Unmark()
	if h.IsMarked() {
		t.Error("IsMarked() = true after Unmark()")
	}
	if h.Size() != 32 {
		t.Errorf("Size() = %d after Unmark(), want 32", h.Size())
	}
}

// TestTryMarkAtomic_Concurrent verifies that exactly one of many racing
// goroutines observes the transition.
func TestTryMarkAtomic_Concurrent(t *testing.T) {
	const goroutines = 64
	const rounds = 200

	for r := 0; r < rounds; r++ {
		var h Header
		h.Init(16, 2, false)

		var winners atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if h.TryMarkAtomic() {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := winners.Load(); got != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", r, got)
		}
	}
}

// TestTryMarkAtomic_ConcurrentFieldUpdate verifies the CAS retries when a
// different bit changes underneath it instead of reporting a false loss.
func TestTryMarkAtomic_ConcurrentFieldUpdate(t *testing.T) {
	for r := 0; r < 200; r++ {
		var h Header
		h.Init(16, 2, true)

		var wg sync.WaitGroup
		wg.Add(2)
		var marked bool
		go func() {
			defer wg.Done()
			h.MarkAsFullyConstructed()
		}()
		go func() {
			defer wg.Done()
			marked = h.TryMarkAtomic()
		}()
		wg.Wait()

		if !marked {
			t.Fatalf("round %d: TryMarkAtomic() lost against an unrelated bit update", r)
		}
		if h.IsInConstruction() || !h.IsMarked() {
			t.Fatalf("round %d: unexpected header state %s", r, h.String())
		}
	}
}

// TestFlags verifies construction and free bit handling.
func TestFlags(t *testing.T) {
	var h Header
	h.Init(24, 5, true)

	if !h.IsInConstruction() {
		t.Fatal("IsInConstruction() = false")
	}
	h.MarkAsFullyConstructed()
	if h.IsInConstruction() {
		t.Fatal("IsInConstruction() = true after MarkAsFullyConstructed()")
	}

	h.SetFree()
	if !h.IsFree() {
		t.Fatal("IsFree() = false after SetFree()")
	}
	if h.IsMarked() {
		t.Error("SetFree() must not touch the mark bit")
	}
	if h.TryMarkAtomic() || h.IsMarked() {
		t.Error("TryMarkAtomic() marked a free header")
	}
}

// TestString verifies the debug representation.
func TestString(t *testing.T) {
	var h Header
	h.Init(40, 9, true)
	h.TryMarkAtomic()

	want := "size=40 gcinfo=9 marked in-construction"
	if got := h.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func BenchmarkTryMarkAtomic(b *testing.B) {
	headers := make([]Header, 1024)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h := &headers[i&1023]
		if !h.TryMarkAtomic() {
			h.Unmark()
		}
	}
}
