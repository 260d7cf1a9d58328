// Package main implements the gcmark CLI tool.
//
// The gcmark tool loads heap scenarios (see internal/scenario) and runs a
// marking phase over them with the concurrent marker. It works by:
//
//  1. Parsing and validating the scenario file
//  2. Allocating the declared objects on a fresh heap
//  3. Marking from the declared roots, in incremental steps if requested
//  4. Printing the marking report and checking the expected outcome
//
// Usage:
//
//	gcmark run graph.json            # Mark a scenario and print the report
//	gcmark run -tasks 8 -v a.json    # Eight marking tasks, progress on stderr
//	gcmark check *.json              # Validate scenario files only
//	gcmark graph -mark a.json        # Object graph in dot syntax
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/gcmark/gc"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		os.Exit(runCommand(os.Args[2:], os.Stdout, os.Stderr))
	case "check":
		os.Exit(checkCommand(os.Args[2:], os.Stdout, os.Stderr))
	case "graph":
		os.Exit(graphCommand(os.Args[2:], os.Stdout, os.Stderr))
	case "version", "--version", "-version":
		info := gc.GetInfo()
		fmt.Printf("gcmark version %s (%s)\n", info.Version, info.Algorithm)
		fmt.Printf("scenario format %s, page size %d, up to %d tasks\n", info.ScenarioFormat, info.PageSize, info.MaxTasks)
		if info.DebugChecks {
			fmt.Println("debug checks: enabled")
		}
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`gcmark - Concurrent Heap Marking Tool

USAGE:
    gcmark <command> [arguments]

COMMANDS:
    run        Mark heap scenarios and print the report
    check      Validate scenario files without marking
    graph      Write the object graph of a scenario in dot syntax
    version    Show version information
    help       Show this help message

RUN FLAGS:
    -tasks N   Number of parallel marking tasks (default: GOMAXPROCS)
    -v         Print per-phase progress to stderr
    -timeout D Abort marking after duration D (e.g. 5s)
    -profile F Write a pprof heap profile of live and dead objects to F

GRAPH FLAGS:
    -mark      Run marking first and fill the marked objects

ENVIRONMENT:
    GCMARK_TASKS     Default for -tasks
    GCMARK_VERBOSE   Default for -v (true/false)

EXAMPLES:
    # Mark one scenario with four tasks
    gcmark run -tasks 4 graph.json

    # Validate every scenario in a directory
    gcmark check scenarios/*.json

    # Render the marked object graph
    gcmark graph -mark graph.json | dot -Tsvg > graph.svg

SCENARIO FILES:
    A scenario is a JSON document declaring types, objects, references,
    strong and weak roots, optional incremental steps and the expected
    outcome. "run" exits with status 1 when an expectation is not met.

`)
}
