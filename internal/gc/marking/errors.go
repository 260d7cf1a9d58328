package marking

import (
	"errors"
	"fmt"

	"github.com/kolkov/gcmark/internal/gc/heap"
)

// Protocol violations. They indicate a bug in the caller, never a transient
// condition, and are only detected in builds with the gcmarkdebug tag.
var (
	// ErrCrossHeap reports a header owned by a different heap than the State.
	ErrCrossHeap = errors.New("object belongs to another heap")

	// ErrFreeObject reports an attempt to mark reclaimed memory.
	ErrFreeObject = errors.New("object is free")

	// ErrInConstruction reports an object in construction reached through a
	// path that requires a fully constructed one.
	ErrInConstruction = errors.New("object is in construction")

	// ErrNilObject reports a nil reference passed to a marking entry point.
	ErrNilObject = errors.New("nil object")

	// ErrNilCallback reports a trace unit without a tracing callback.
	ErrNilCallback = errors.New("trace descriptor has no callback")

	// ErrNotLargePage reports a large object header outside a large region.
	ErrNotLargePage = errors.New("large object header outside a large page")

	// ErrNotHeapAddress reports an address no heap region contains.
	ErrNotHeapAddress = errors.New("address is not in any heap object")
)

// ProtocolError is the panic value of a violated marking precondition.
//
// Example output:
//
//	gcmark: MarkNoPush task 2 at 0xc000120048: object is free
type ProtocolError struct {
	Op   string       // Marking operation that detected the violation
	Task int          // Marking task ID
	Addr heap.Address // Offending address (header or payload)
	Err  error        // One of the Err* sentinels
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gcmark: %s task %d at 0x%x: %v", e.Op, e.Task, uintptr(e.Addr), e.Err)
}

// Unwrap returns the underlying sentinel so errors.Is works on recovered
// panic values.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DebugChecks reports whether the gcmarkdebug protocol checks are compiled
// in.
const DebugChecks = debugChecks
