package worklist

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

// TestView_PushPop verifies single-task LIFO behaviour within a segment.
func TestView_PushPop(t *testing.T) {
	w := New[int](1, 8)
	v := w.View(0)

	if _, ok := v.Pop(); ok {
		t.Fatal("Pop() on empty worklist returned an entry")
	}

	for i := 1; i <= 3; i++ {
		v.Push(i)
	}
	for want := 3; want >= 1; want-- {
		got, ok := v.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if !v.IsLocalEmpty() || !w.IsEmpty() {
		t.Error("worklist not empty after popping everything")
	}
}

// TestView_PublishOnFull verifies full segments reach the global pool.
func TestView_PublishOnFull(t *testing.T) {
	const size = 4
	w := New[int](2, size)
	v := w.View(0)

	for i := 0; i < size; i++ {
		v.Push(i)
	}
	if !w.IsGlobalPoolEmpty() {
		t.Fatal("segment published before overflowing")
	}

	v.Push(size)
	if got := w.GlobalPoolSize(); got != 1 {
		t.Fatalf("GlobalPoolSize() = %d, want 1", got)
	}
	if got := w.Len(); got != size+1 {
		t.Errorf("Len() = %d, want %d", got, size+1)
	}
}

// TestView_Steal verifies another task can take published work.
func TestView_Steal(t *testing.T) {
	w := New[string](2, 2)
	producer, consumer := w.View(0), w.View(1)

	producer.Push("a")
	if _, ok := consumer.Pop(); ok {
		t.Fatal("consumer popped an unpublished entry")
	}

	producer.FlushToGlobal()
	if !producer.IsLocalEmpty() {
		t.Fatal("FlushToGlobal() left local entries")
	}
	got, ok := consumer.Pop()
	if !ok || got != "a" {
		t.Fatalf("consumer.Pop() = %q, %v; want \"a\", true", got, ok)
	}
	if !consumer.IsLocalAndGlobalEmpty() {
		t.Error("IsLocalAndGlobalEmpty() = false after draining")
	}
}

// TestView_PopRefillsFromPushSegment verifies entries pushed after the pop
// segment ran dry stay visible to the same task.
func TestView_PopRefillsFromPushSegment(t *testing.T) {
	w := New[int](1, 4)
	v := w.View(0)

	v.Push(1)
	if got, _ := v.Pop(); got != 1 {
		t.Fatalf("Pop() = %d, want 1", got)
	}
	v.Push(2)
	v.Push(3)
	seen := map[int]bool{}
	for {
		e, ok := v.Pop()
		if !ok {
			break
		}
		seen[e] = true
	}
	if !seen[2] || !seen[3] || len(seen) != 2 {
		t.Errorf("popped %v, want {2, 3}", seen)
	}
}

// TestWorklist_ViewOutOfRange verifies task bounds are enforced.
func TestWorklist_ViewOutOfRange(t *testing.T) {
	w := New[int](2, 0)
	if w.SegmentSize() != DefaultSegmentSize {
		t.Errorf("SegmentSize() = %d, want default %d", w.SegmentSize(), DefaultSegmentSize)
	}
	defer func() {
		if recover() == nil {
			t.Error("View(2) did not panic for a 2-task worklist")
		}
	}()
	w.View(2)
}

// TestWorklist_Update verifies rewriting and dropping entries everywhere.
func TestWorklist_Update(t *testing.T) {
	w := New[int](2, 2)
	a, b := w.View(0), w.View(1)
	for i := 1; i <= 5; i++ {
		a.Push(i)
	}
	b.Push(6)

	// Drop odd entries, double even ones.
	w.Update(func(e int) (int, bool) {
		if e%2 == 1 {
			return 0, false
		}
		return e * 2, true
	})

	var got []int
	for _, v := range []View[int]{a, b} {
		for {
			e, ok := v.Pop()
			if !ok {
				break
			}
			got = append(got, e)
		}
	}
	sort.Ints(got)
	want := []int{4, 8, 12}
	if len(got) != len(want) {
		t.Fatalf("entries after Update = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entries after Update = %v, want %v", got, want)
		}
	}
}

// TestWorklist_Clear verifies Clear drops local and published entries.
func TestWorklist_Clear(t *testing.T) {
	w := New[int](1, 1)

	v := w.View(0)
	v.Push(1)
	v.Push(2) // publishes the segment holding 1
	if w.IsGlobalPoolEmpty() {
		t.Fatal("expected a published segment")
	}

	w.Clear()
	if !w.IsEmpty() {
		t.Error("IsEmpty() = false after Clear()")
	}
	if got, ok := v.Pop(); ok {
		t.Errorf("Pop() after Clear() = %d, want nothing", got)
	}
}

// TestWorklist_ConcurrentNoLoss pushes from many producers while consumers
// steal, then checks every entry was seen exactly once.
func TestWorklist_ConcurrentNoLoss(t *testing.T) {
	const tasks = 8
	const perTask = 5000
	w := New[int](tasks, 16)

	counts := make([]atomic.Int32, tasks*perTask)
	var producing atomic.Int32
	producing.Store(tasks / 2)

	var wg sync.WaitGroup
	for task := 0; task < tasks; task++ {
		wg.Add(1)
		go func(task int) {
			defer wg.Done()
			v := w.View(task)
			if task < tasks/2 {
				base := task * perTask * 2
				for i := 0; i < perTask*2; i++ {
					v.Push(base + i)
					// Consume some of our own work along the way.
					if i%3 == 0 {
						if e, ok := v.Pop(); ok {
							counts[e].Add(1)
						}
					}
				}
				v.FlushToGlobal()
				producing.Add(-1)
			}
			for {
				e, ok := v.Pop()
				if ok {
					counts[e].Add(1)
					continue
				}
				if producing.Load() == 0 && w.IsGlobalPoolEmpty() {
					return
				}
			}
		}(task)
	}
	wg.Wait()

	for e := range counts {
		if got := counts[e].Load(); got != 1 {
			t.Fatalf("entry %d seen %d times, want 1", e, got)
		}
	}
	if !w.IsEmpty() {
		t.Error("worklist not empty after concurrent drain")
	}
}

func BenchmarkView_PushPop(b *testing.B) {
	w := New[uintptr](1, 512)
	v := w.View(0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Push(uintptr(i))
		v.Pop()
	}
}
