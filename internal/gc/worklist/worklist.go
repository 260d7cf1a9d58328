// Package worklist implements a segmented work-distribution container for
// parallel marking.
//
// A Worklist is shared by a fixed number of tasks. Each task works through a
// View bound to its task ID. The view batches pushes and pops into two
// task-owned segments and only touches the shared pool when its segments are
// full (publish) or empty (steal):
//
//	task 0: [push seg][pop seg] ─┐
//	task 1: [push seg][pop seg] ─┼─▶ global pool of full segments (mutex)
//	task N: [push seg][pop seg] ─┘
//
// This amortizes synchronization over SegmentSize operations while idle
// tasks can still steal published work. Entries are never lost, but no
// ordering is guaranteed between them.
//
// # Thread Safety
//
// A View must only be used by the goroutine running its task. Views of
// different tasks may be used concurrently. Worklist-wide inspection
// (IsEmpty, Len, Clear, Update) requires all tasks to be stopped.
package worklist

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultSegmentSize is the segment capacity used when none is given.
const DefaultSegmentSize = 64

// cacheLinePad separates per-task state of neighbouring tasks.
const cacheLinePad = 64

// segment is a fixed-capacity LIFO buffer.
type segment[T any] struct {
	entries []T
}

func newSegment[T any](size int) *segment[T] {
	return &segment[T]{entries: make([]T, 0, size)}
}

func (s *segment[T]) isEmpty() bool { return len(s.entries) == 0 }
func (s *segment[T]) isFull() bool  { return len(s.entries) == cap(s.entries) }

func (s *segment[T]) push(e T) {
	s.entries = append(s.entries, e)
}

func (s *segment[T]) pop() T {
	last := len(s.entries) - 1
	e := s.entries[last]
	var zero T
	s.entries[last] = zero
	s.entries = s.entries[:last]
	return e
}

// local is the task-owned part of a worklist.
type local[T any] struct {
	push *segment[T]
	pop  *segment[T]
	_    [cacheLinePad]byte
}

// Worklist is a concurrent container of entries of type T.
type Worklist[T any] struct {
	segmentSize int
	locals      []local[T]

	// mu guards global.
	mu     sync.Mutex
	global []*segment[T]

	// globalSize mirrors len(global) for lock-free emptiness checks.
	globalSize atomic.Int64
}

// New creates a worklist shared by tasks tasks with segments of
// segmentSize entries. A non-positive segmentSize selects
// DefaultSegmentSize.
func New[T any](tasks, segmentSize int) *Worklist[T] {
	if tasks < 1 {
		tasks = 1
	}
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	w := &Worklist[T]{
		segmentSize: segmentSize,
		locals:      make([]local[T], tasks),
	}
	for i := range w.locals {
		w.locals[i].push = newSegment[T](segmentSize)
		w.locals[i].pop = newSegment[T](segmentSize)
	}
	return w
}

// Tasks returns the number of task slots.
func (w *Worklist[T]) Tasks() int {
	return len(w.locals)
}

// SegmentSize returns the segment capacity.
func (w *Worklist[T]) SegmentSize() int {
	return w.segmentSize
}

// View returns the handle for task. It panics if task is out of range.
func (w *Worklist[T]) View(task int) View[T] {
	if task < 0 || task >= len(w.locals) {
		panic(fmt.Sprintf("worklist: task %d out of range [0, %d)", task, len(w.locals)))
	}
	return View[T]{w: w, task: task}
}

// publish moves a non-empty segment into the global pool.
func (w *Worklist[T]) publish(s *segment[T]) {
	w.mu.Lock()
	w.global = append(w.global, s)
	w.globalSize.Store(int64(len(w.global)))
	w.mu.Unlock()
}

// steal takes a segment from the global pool.
func (w *Worklist[T]) steal() (*segment[T], bool) {
	if w.globalSize.Load() == 0 {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.global)
	if n == 0 {
		return nil, false
	}
	s := w.global[n-1]
	w.global[n-1] = nil
	w.global = w.global[:n-1]
	w.globalSize.Store(int64(len(w.global)))
	return s, true
}

// IsGlobalPoolEmpty reports whether no published segment is waiting.
// Safe for concurrent use.
func (w *Worklist[T]) IsGlobalPoolEmpty() bool {
	return w.globalSize.Load() == 0
}

// GlobalPoolSize returns the number of published segments.
// Safe for concurrent use.
func (w *Worklist[T]) GlobalPoolSize() int {
	return int(w.globalSize.Load())
}

// IsEmpty reports whether every local segment and the global pool are
// empty. All tasks must be stopped.
func (w *Worklist[T]) IsEmpty() bool {
	for i := range w.locals {
		if !w.locals[i].push.isEmpty() || !w.locals[i].pop.isEmpty() {
			return false
		}
	}
	return w.IsGlobalPoolEmpty()
}

// Len returns the number of entries held. All tasks must be stopped.
func (w *Worklist[T]) Len() int {
	n := 0
	for i := range w.locals {
		n += len(w.locals[i].push.entries) + len(w.locals[i].pop.entries)
	}
	w.mu.Lock()
	for _, s := range w.global {
		n += len(s.entries)
	}
	w.mu.Unlock()
	return n
}

// Clear drops every entry. All tasks must be stopped.
func (w *Worklist[T]) Clear() {
	for i := range w.locals {
		w.locals[i].push = newSegment[T](w.segmentSize)
		w.locals[i].pop = newSegment[T](w.segmentSize)
	}
	w.mu.Lock()
	w.global = nil
	w.globalSize.Store(0)
	w.mu.Unlock()
}

// Update rewrites every entry with fn, dropping entries for which fn
// returns false. All tasks must be stopped.
func (w *Worklist[T]) Update(fn func(T) (T, bool)) {
	for i := range w.locals {
		updateSegment(w.locals[i].push, fn)
		updateSegment(w.locals[i].pop, fn)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.global[:0]
	for _, s := range w.global {
		updateSegment(s, fn)
		if !s.isEmpty() {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(w.global); i++ {
		w.global[i] = nil
	}
	w.global = kept
	w.globalSize.Store(int64(len(w.global)))
}

func updateSegment[T any](s *segment[T], fn func(T) (T, bool)) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if ne, ok := fn(e); ok {
			kept = append(kept, ne)
		}
	}
	var zero T
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = zero
	}
	s.entries = kept
}

// View is a task-local handle onto a Worklist.
type View[T any] struct {
	w    *Worklist[T]
	task int
}

// TaskID returns the task the view is bound to.
func (v View[T]) TaskID() int {
	return v.task
}

// Worklist returns the underlying worklist.
func (v View[T]) Worklist() *Worklist[T] {
	return v.w
}

// Push adds an entry. A full push segment is published to the global pool
// first.
func (v View[T]) Push(e T) {
	l := &v.w.locals[v.task]
	if l.push.isFull() {
		v.w.publish(l.push)
		l.push = newSegment[T](v.w.segmentSize)
	}
	l.push.push(e)
}

// Pop removes an entry, refilling from the task's push segment or stealing
// from the global pool when the pop segment runs dry. It returns false when
// no entry is available to this task.
func (v View[T]) Pop() (T, bool) {
	l := &v.w.locals[v.task]
	if l.pop.isEmpty() {
		switch {
		case !l.push.isEmpty():
			l.pop, l.push = l.push, l.pop
		default:
			s, ok := v.w.steal()
			if !ok {
				var zero T
				return zero, false
			}
			l.pop = s
		}
	}
	return l.pop.pop(), true
}

// IsLocalEmpty reports whether both task segments are empty.
func (v View[T]) IsLocalEmpty() bool {
	l := &v.w.locals[v.task]
	return l.push.isEmpty() && l.pop.isEmpty()
}

// IsLocalAndGlobalEmpty reports whether the task has no local entries and
// nothing can be stolen.
func (v View[T]) IsLocalAndGlobalEmpty() bool {
	return v.IsLocalEmpty() && v.w.IsGlobalPoolEmpty()
}

// FlushToGlobal publishes the task's non-empty segments so other tasks can
// steal them.
func (v View[T]) FlushToGlobal() {
	l := &v.w.locals[v.task]
	if !l.push.isEmpty() {
		v.w.publish(l.push)
		l.push = newSegment[T](v.w.segmentSize)
	}
	if !l.pop.isEmpty() {
		v.w.publish(l.pop)
		l.pop = newSegment[T](v.w.segmentSize)
	}
}
