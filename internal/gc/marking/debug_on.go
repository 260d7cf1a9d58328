//go:build gcmarkdebug

package marking

// debugChecks enables precondition checks on every marking operation.
const debugChecks = true
