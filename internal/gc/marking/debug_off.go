//go:build !gcmarkdebug

package marking

// debugChecks is off in production builds; callers are trusted.
const debugChecks = false
