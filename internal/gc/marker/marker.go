// Package marker drives a marking phase over one heap.
//
// A Marker owns the worklists of the phase and one marking.State per task.
// Task 0 belongs to the mutator: roots, the write barrier and the final
// atomic pause run on it under the mutator lock. Tasks 1..N are parallel
// marking tasks started by AdvanceMarking and FinishMarking.
//
// Lifecycle:
//
//	m := marker.New(h, types, marker.DefaultConfig())
//	m.StartMarking()          // freezes the type table
//	m.VisitRoots(roots...)
//	m.AdvanceMarking(ctx, n)  // optional incremental steps
//	stats, err := m.FinishMarking(ctx)
//
// FinishMarking reaches the reachability fixed point, then runs the atomic
// pause: objects deferred because they were in construction are re-offered
// or scanned conservatively, weak roots are resolved, and weak callbacks run
// with a fresh LivenessBroker each.
//
// Mark bits are never cleared by the Marker. Resetting them belongs to the
// phase that follows marking.
package marker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kolkov/gcmark/internal/gc/gcinfo"
	"github.com/kolkov/gcmark/internal/gc/header"
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/marking"
	"github.com/kolkov/gcmark/internal/gc/trace"
)

var (
	// ErrNotMarking is returned by operations that need a running phase.
	ErrNotMarking = errors.New("marker: no marking phase in progress")

	// ErrMarking is returned by StartMarking while a phase is running.
	ErrMarking = errors.New("marker: marking phase already in progress")
)

const (
	// mutatorTask is the task slot used by the mutator.
	mutatorTask = 0

	// cancelCheckInterval is the number of trace units processed between
	// context checks.
	cancelCheckInterval = 64
)

type phase int32

const (
	phaseIdle phase = iota
	phaseMarking
	phaseDone
)

// WeakRoot is an off-heap weak handle. After FinishMarking, Ref is Nil if
// the referenced object did not survive.
type WeakRoot struct {
	Ref heap.Address
}

// clearWeakRoot is the weak callback of every WeakRoot.
func clearWeakRoot(b trace.LivenessBroker, arg any) {
	r := arg.(*WeakRoot)
	if !b.IsHeapObjectAlive(r.Ref) {
		r.Ref = heap.Nil
	}
}

// taskCounter is written only by its task.
type taskCounter struct {
	objects uint64
	_       [56]byte
}

// Marker runs marking phases over a heap.
type Marker struct {
	heap  *heap.Heap
	types *gcinfo.Table
	cfg   Config

	phase atomic.Int32

	// stepMu serializes marking steps; task States are only used while it
	// is held.
	stepMu   sync.Mutex
	wl       *marking.Worklists
	tasks    []*marking.State
	counters []taskCounter

	// mu is the mutator lock. It guards the mutator State and weak roots.
	// FinishMarking holds it for the whole atomic pause.
	mu        sync.Mutex
	mutator   *marking.State
	weakRoots []*WeakRoot

	start time.Time
	stats Stats
}

// New creates a marker for h. A nil types selects gcinfo.Global().
func New(h *heap.Heap, types *gcinfo.Table, cfg Config) *Marker {
	if types == nil {
		types = gcinfo.Global()
	}
	return &Marker{heap: h, types: types, cfg: cfg.normalize()}
}

// Config returns the normalized configuration.
func (m *Marker) Config() Config {
	return m.cfg
}

// IsMarking reports whether a phase is in progress.
func (m *Marker) IsMarking() bool {
	return phase(m.phase.Load()) == phaseMarking
}

// StartMarking begins a phase. The type table stays frozen until the phase
// ends.
func (m *Marker) StartMarking() error {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsMarking() {
		return ErrMarking
	}
	m.types.Freeze()

	m.wl = marking.NewWorklists(m.cfg.Tasks + 1)
	m.mutator = marking.NewState(m.heap, m.types, m.wl, mutatorTask)
	m.tasks = make([]*marking.State, m.cfg.Tasks)
	for i := range m.tasks {
		m.tasks[i] = marking.NewState(m.heap, m.types, m.wl, i+1)
	}
	m.counters = make([]taskCounter, m.cfg.Tasks+1)
	m.weakRoots = m.weakRoots[:0]
	m.stats = Stats{Heap: m.heap.Name(), Tasks: m.cfg.Tasks}
	m.start = time.Now()
	m.phase.Store(int32(phaseMarking))

	occupied, overflowed := heap.PageTableStats()
	m.logf("start marking heap %q with %d tasks (page table: %d slots used, %d overflowed)",
		m.heap.Name(), m.cfg.Tasks, occupied, overflowed)
	return nil
}

// VisitRoots marks the objects refs point into. Values that are nil or do
// not point into the marked heap are ignored.
func (m *Marker) VisitRoots(refs ...heap.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.IsMarking() {
		return ErrNotMarking
	}
	rv := marking.NewRootVisitor(m.mutator)
	for _, ref := range refs {
		rv.TraceRoot(ref)
	}
	m.stats.Roots += len(refs)
	return nil
}

// AddWeakRoot registers r to be resolved at the end of the phase.
func (m *Marker) AddWeakRoot(r *WeakRoot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.IsMarking() {
		return ErrNotMarking
	}
	m.weakRoots = append(m.weakRoots, r)
	return nil
}

// WriteBarrier shades value while a phase is in progress. Mutators call it
// for every reference they store into the heap so objects stored behind
// the marker's back are not missed.
func (m *Marker) WriteBarrier(value heap.Address) {
	if value == heap.Nil || !m.IsMarking() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.IsMarking() {
		return
	}
	if desc, ok := m.mutator.Descriptor(value); ok {
		m.mutator.MarkAndPush(value, desc)
	}
}

// StoreRef writes value into slot behind the write barrier.
func (m *Marker) StoreRef(slot, value heap.Address) {
	m.WriteBarrier(value)
	heap.StoreRef(slot, value)
}

// AdvanceMarking runs the parallel tasks until the marking worklist is
// exhausted or about budget bytes were marked. A zero budget runs to
// exhaustion. done reports whether no trace work is left.
func (m *Marker) AdvanceMarking(ctx context.Context, budget uint64) (done bool, err error) {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()
	if !m.IsMarking() {
		return false, ErrNotMarking
	}

	m.mu.Lock()
	m.mutator.MarkingView().FlushToGlobal()
	m.mu.Unlock()

	m.stats.Steps++
	err = m.drain(ctx, newBudget(budget))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.abandon()
		return false, fmt.Errorf("advance marking: %w", err)
	}
	done = m.wl.Marking.IsEmpty()
	m.logf("step %d: %d bytes marked, done=%v", m.stats.Steps, m.markedBytes(), done)
	return done, nil
}

// FinishMarking completes the phase and returns its statistics.
//
// On context cancellation the phase is abandoned: pending work is dropped,
// the type table is unfrozen, and the marks set so far remain a valid subset
// of the reachable objects.
func (m *Marker) FinishMarking(ctx context.Context) (Stats, error) {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()
	if !m.IsMarking() {
		return Stats{}, ErrNotMarking
	}

	// Atomic pause: no mutator runs until the phase ends.
	m.mu.Lock()
	defer m.mu.Unlock()

	for round := 1; ; round++ {
		m.mutator.MarkingView().FlushToGlobal()
		if err := m.drain(ctx, newBudget(0)); err != nil {
			m.abandon()
			return Stats{}, fmt.Errorf("finish marking: %w", err)
		}
		if !m.processNotFullyConstructed() {
			break
		}
		m.logf("pause round %d: %d deferred, %d re-offered", round, m.stats.Deferred, m.stats.Reoffered)
	}

	m.processWeakRoots()
	m.processWeakCallbacks()

	stats := m.collectStats()
	m.types.Unfreeze()
	m.phase.Store(int32(phaseDone))
	m.logf("finished marking heap %q: %d objects, %d bytes in %v",
		stats.Heap, stats.MarkedObjects, stats.MarkedBytes, stats.Duration)
	return stats, nil
}

// budget bounds the bytes marked by one step across all tasks.
type budget struct {
	limited   bool
	remaining atomic.Int64
}

func newBudget(bytes uint64) *budget {
	b := &budget{limited: bytes > 0}
	if bytes > 1<<62 {
		bytes = 1 << 62
	}
	b.remaining.Store(int64(bytes))
	return b
}

func (b *budget) exhausted() bool {
	return b.limited && b.remaining.Load() <= 0
}

func (b *budget) consume(bytes uint64) {
	if b.limited {
		b.remaining.Add(-int64(bytes))
	}
}

// drain runs all marking tasks in parallel until the marking worklist is
// empty, the budget is spent, or ctx is done. Called with stepMu held.
func (m *Marker) drain(ctx context.Context, b *budget) error {
	var active atomic.Int32
	active.Store(int32(len(m.tasks)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.tasks {
		g.Go(func() error {
			return m.runTask(gctx, s, &active, b)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runTask processes trace units on one task until global termination.
//
// active counts tasks that may still publish work. A task leaves it when
// its own view runs dry and rejoins before stealing. Every task exits once
// none is active and the global pool is empty.
func (m *Marker) runTask(ctx context.Context, s *marking.State, active *atomic.Int32, b *budget) error {
	defer flushViews(s)

	v := marking.NewVisitor(s)
	view := s.MarkingView()
	counter := &m.counters[s.TaskID()]

	for n := 0; ; n++ {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				active.Add(-1)
				return err
			}
		}
		if b.exhausted() {
			active.Add(-1)
			return nil
		}

		desc, ok := view.Pop()
		if !ok {
			active.Add(-1)
			if !m.waitForWork(ctx, active, b) {
				return ctx.Err()
			}
			continue
		}

		before := s.MarkedBytes()
		traceObject(s, v, desc)
		counter.objects++
		b.consume(s.MarkedBytes() - before)
	}
}

// waitForWork parks an idle task. It returns true, with the task counted
// as active again, once work is published, and false when the task should
// exit.
func (m *Marker) waitForWork(ctx context.Context, active *atomic.Int32, b *budget) bool {
	for {
		if ctx.Err() != nil || b.exhausted() {
			return false
		}
		if !m.wl.Marking.IsGlobalPoolEmpty() {
			active.Add(1)
			return true
		}
		if active.Load() == 0 {
			return false
		}
		runtime.Gosched()
	}
}

// traceObject accounts a marked object and walks its fields.
func traceObject(s *marking.State, v *marking.Visitor, desc trace.Descriptor) {
	payload, ok := desc.Base.Payload()
	if !ok {
		return
	}
	s.AccountMarkedBytes(heap.HeaderFromPayload(payload))
	desc.Callback(v, payload)
}

// flushViews publishes a task's leftovers so the mutator task can reach
// them.
func flushViews(s *marking.State) {
	s.MarkingView().FlushToGlobal()
	s.NotFullyConstructedView().FlushToGlobal()
	s.WeakCallbackView().FlushToGlobal()
}

// processNotFullyConstructed handles objects deferred because they were in
// construction. Objects completed since are marked normally. Objects still
// in construction are marked and their payload is scanned conservatively.
// It reports whether anything was processed. Called in the pause.
func (m *Marker) processNotFullyConstructed() bool {
	s := m.mutator
	view := s.NotFullyConstructedView()
	processed := !m.wl.NotFullyConstructed.IsEmpty()

	// Entries may be interior addresses or name objects freed since they
	// were deferred. All tasks are stopped, so rewrite them in place.
	m.wl.NotFullyConstructed.Update(func(a heap.Address) (heap.Address, bool) {
		hdr, payload := m.ownObject(a)
		return payload, hdr != nil
	})
	for {
		a, ok := view.Pop()
		if !ok {
			return processed
		}
		hdr, payload := m.ownObject(a)
		if hdr == nil {
			continue
		}
		if !hdr.IsInConstruction() {
			if !hdr.IsMarked() {
				m.stats.Reoffered++
			}
			s.MarkAndPushObject(hdr)
			continue
		}
		if s.MarkNoPush(hdr) {
			m.stats.Deferred++
			m.scanConservatively(hdr, payload)
			s.AccountMarkedBytes(hdr)
		}
	}
}

// scanConservatively treats every payload word of an object in
// construction as a potential reference.
func (m *Marker) scanConservatively(hdr *header.Header, payload heap.Address) {
	s := m.mutator
	end := payload + heap.Address(heap.PayloadSize(hdr))
	for slot := payload; slot < end; slot += header.AllocationGranularity {
		ref := heap.LoadRef(slot)
		target, _ := m.ownObject(ref)
		if target == nil || target.IsMarked() {
			continue
		}
		if target.IsInConstruction() {
			s.NotFullyConstructedView().Push(ref)
			continue
		}
		s.MarkAddressConservatively(ref)
	}
}

// ownObject resolves a to a live object of the marked heap.
func (m *Marker) ownObject(a heap.Address) (*header.Header, heap.Address) {
	if a == heap.Nil {
		return nil, heap.Nil
	}
	hdr, payload := heap.ContainingHeader(a)
	if hdr == nil || hdr.IsFree() || heap.PageOf(hdr).Heap() != m.heap {
		return nil, heap.Nil
	}
	return hdr, payload
}

// processWeakRoots resolves every weak root. Called in the pause.
func (m *Marker) processWeakRoots() {
	rv := marking.NewRootVisitor(m.mutator)
	for _, r := range m.weakRoots {
		if r.Ref == heap.Nil {
			continue
		}
		desc, ok := m.mutator.Descriptor(r.Ref)
		if !ok {
			continue
		}
		m.stats.WeakRoots++
		rv.VisitWeakRoot(r.Ref, desc, clearWeakRoot, r)
		if r.Ref == heap.Nil {
			m.stats.WeakRootsCleared++
		}
	}
}

// processWeakCallbacks runs every registered weak callback. Called in the
// pause.
func (m *Marker) processWeakCallbacks() {
	view := m.mutator.WeakCallbackView()
	for {
		item, ok := view.Pop()
		if !ok {
			return
		}
		item.Callback(trace.NewLivenessBroker(), item.Arg)
		m.stats.WeakCallbacks++
	}
}

// abandon ends a phase without completing it. Called with both locks held.
func (m *Marker) abandon() {
	m.wl.Clear()
	m.types.Unfreeze()
	m.phase.Store(int32(phaseIdle))
	m.logf("marking of heap %q abandoned", m.heap.Name())
}

// markedBytes sums the per-task counters. Called with both locks held.
func (m *Marker) markedBytes() uint64 {
	total := m.mutator.MarkedBytes()
	for _, s := range m.tasks {
		total += s.MarkedBytes()
	}
	return total
}

// collectStats folds the per-task counters into the phase statistics.
func (m *Marker) collectStats() Stats {
	stats := m.stats
	stats.PerTask = make([]TaskStats, 0, len(m.tasks)+1)
	for _, s := range append([]*marking.State{m.mutator}, m.tasks...) {
		ts := TaskStats{
			Task:        s.TaskID(),
			MarkedBytes: s.MarkedBytes(),
			Objects:     m.counters[s.TaskID()].objects,
		}
		if s.TaskID() == mutatorTask {
			ts.Objects = uint64(stats.Deferred)
		}
		stats.PerTask = append(stats.PerTask, ts)
		stats.MarkedBytes += ts.MarkedBytes
		stats.MarkedObjects += ts.Objects
	}
	stats.Duration = time.Since(m.start)
	return stats
}

func (m *Marker) logf(format string, args ...any) {
	if m.cfg.Verbose {
		fmt.Fprintf(m.cfg.Out, "gcmark: "+format+"\n", args...)
	}
}
