package marker

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// TaskStats is the share of one task in a phase.
type TaskStats struct {
	// Task is the task ID. Task 0 is the mutator.
	Task int

	// MarkedBytes is the bytes accounted by the task.
	MarkedBytes uint64

	// Objects is the number of objects the task traced. For the mutator it
	// counts objects scanned conservatively in the pause.
	Objects uint64
}

// Stats summarizes a completed marking phase.
type Stats struct {
	// Heap is the name of the marked heap.
	Heap string

	// Tasks is the number of parallel marking tasks.
	Tasks int

	// Roots is the number of strong root values visited.
	Roots int

	// MarkedBytes is the total of all task counters.
	MarkedBytes uint64

	// MarkedObjects is the number of distinct objects marked.
	MarkedObjects uint64

	// Deferred counts objects still in construction at the pause. They were
	// marked and scanned conservatively.
	Deferred int

	// Reoffered counts deferred objects whose construction completed before
	// the pause.
	Reoffered int

	// WeakRoots is the number of weak roots resolved.
	WeakRoots int

	// WeakRootsCleared is the number of weak roots whose referent died.
	WeakRootsCleared int

	// WeakCallbacks is the number of weak callbacks invoked.
	WeakCallbacks int

	// Steps is the number of incremental AdvanceMarking calls.
	Steps int

	// Duration is the time from StartMarking to the end of the pause.
	Duration time.Duration

	// PerTask lists every task, the mutator first.
	PerTask []TaskStats
}

// WriteReport writes a human readable summary of s to w.
//
// Example output:
//
//	==================
//	MARKING COMPLETE: heap "demo"
//	Marked 4 objects, 96 bytes in 1.2ms
//	Roots: 1 strong, 0 weak (0 cleared)
//	Deferred: 0 scanned conservatively, 0 re-offered
//	Weak callbacks: 0
//	Tasks:
//	  task 0 (mutator)   0 objects        0 bytes
//	  task 1             4 objects       96 bytes
//	==================
//
//nolint:errcheck // Report output is best effort
func WriteReport(w io.Writer, s Stats) {
	fmt.Fprintf(w, "==================\n")
	fmt.Fprintf(w, "MARKING COMPLETE: heap %q\n", s.Heap)
	fmt.Fprintf(w, "Marked %d objects, %d bytes in %v\n", s.MarkedObjects, s.MarkedBytes, s.Duration.Round(time.Microsecond))
	fmt.Fprintf(w, "Roots: %d strong, %d weak (%d cleared)\n", s.Roots, s.WeakRoots, s.WeakRootsCleared)
	fmt.Fprintf(w, "Deferred: %d scanned conservatively, %d re-offered\n", s.Deferred, s.Reoffered)
	fmt.Fprintf(w, "Weak callbacks: %d\n", s.WeakCallbacks)
	if s.Steps > 0 {
		fmt.Fprintf(w, "Incremental steps: %d\n", s.Steps)
	}
	if len(s.PerTask) > 0 {
		fmt.Fprintf(w, "Tasks:\n")
		for _, ts := range s.PerTask {
			name := fmt.Sprintf("task %d", ts.Task)
			if ts.Task == mutatorTask {
				name += " (mutator)"
			}
			fmt.Fprintf(w, "  %-18s %6d objects %8d bytes\n", name, ts.Objects, ts.MarkedBytes)
		}
	}
	fmt.Fprintf(w, "==================\n")
}

// String returns the report as a string.
func (s Stats) String() string {
	var buf strings.Builder
	WriteReport(&buf, s)
	return buf.String()
}
