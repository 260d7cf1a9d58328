package gc

import (
	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/marker"
	"github.com/kolkov/gcmark/internal/gc/marking"
	"github.com/kolkov/gcmark/internal/scenario"
)

// Version is the release of the marking core, in semver form without the
// leading "v".
const Version = "0.1.0"

// Info describes how this build of the marking core was configured.
type Info struct {
	Version   string
	Algorithm string

	// ScenarioFormat is the newest scenario file format gcmark reads.
	ScenarioFormat string

	// PageSize is the region granularity of every heap.
	PageSize int

	// MaxTasks caps Config.Tasks.
	MaxTasks int

	// DebugChecks is set in builds tagged gcmarkdebug, where violated
	// marking preconditions panic instead of going unchecked.
	DebugChecks bool
}

// GetInfo reports build and layout parameters.
//
//	info := gc.GetInfo()
//	fmt.Printf("gcmark %s, scenario format %s\n", info.Version, info.ScenarioFormat)
func GetInfo() Info {
	return Info{
		Version:        Version,
		Algorithm:      "parallel incremental tri-color marking",
		ScenarioFormat: scenario.Format,
		PageSize:       heap.PageSize,
		MaxTasks:       marker.MaxTasks,
		DebugChecks:    marking.DebugChecks,
	}
}
