package marker

import (
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Environment variables read by ConfigFromEnv.
const (
	// EnvTasks overrides Config.Tasks.
	EnvTasks = "GCMARK_TASKS"

	// EnvVerbose enables Config.Verbose when set to a true value.
	EnvVerbose = "GCMARK_VERBOSE"
)

// MaxTasks caps the number of parallel marking tasks.
const MaxTasks = 256

// Config configures a Marker.
//
// Usage:
//
//	// Default: one marking task per P, quiet
//	m := marker.New(h, types, marker.DefaultConfig())
//
//	// Four tasks with per-phase progress on stderr
//	cfg := marker.DefaultConfig()
//	cfg.Tasks = 4
//	cfg.Verbose = true
//	m := marker.New(h, types, cfg)
type Config struct {
	// Tasks is the number of parallel marking tasks. The mutator uses an
	// additional task slot of its own for roots, the write barrier and the
	// final pause.
	// Default: runtime.GOMAXPROCS(0), capped at MaxTasks.
	Tasks int

	// Verbose enables per-phase progress lines on Out.
	// Default: false.
	Verbose bool

	// Out receives progress lines.
	// Default: os.Stderr.
	Out io.Writer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Tasks: runtime.GOMAXPROCS(0),
		Out:   os.Stderr,
	}
}

// ConfigFromEnv returns DefaultConfig with overrides from GCMARK_TASKS and
// GCMARK_VERBOSE. Malformed values are ignored.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, ok := os.LookupEnv(EnvTasks); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.Tasks = n
		}
	}
	if v, ok := os.LookupEnv(EnvVerbose); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Verbose = b
		}
	}
	return cfg
}

// normalize fills defaults and clamps out-of-range values.
func (c Config) normalize() Config {
	if c.Tasks <= 0 {
		c.Tasks = 1
	}
	if c.Tasks > MaxTasks {
		c.Tasks = MaxTasks
	}
	if c.Out == nil {
		c.Out = io.Discard
	}
	return c
}
