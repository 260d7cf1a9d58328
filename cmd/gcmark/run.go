// run.go implements the 'gcmark run' and 'gcmark check' commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kolkov/gcmark/internal/gc/marker"
	"github.com/kolkov/gcmark/internal/scenario"
)

// runConfig holds the parsed arguments of the run command.
type runConfig struct {
	files   []string
	marker  marker.Config
	timeout time.Duration
	profile string
}

// runCommand implements the 'gcmark run' command.
//
// Flow:
//  1. Parse flags (environment values are the defaults)
//  2. For every file: load, build, mark, print the report
//  3. Verify the expectations declared in the file
//
// Returns the process exit code: 0 when every file marked and verified,
// 1 otherwise. Later files still run after a failure.
//
// Example:
//
//	gcmark run graph.json
//	gcmark run -tasks 4 -v a.json b.json
func runCommand(args []string, stdout, stderr io.Writer) int {
	config, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	config.marker.Out = stderr

	code := 0
	for _, file := range config.files {
		if err := runScenario(config, file, stdout); err != nil {
			fmt.Fprintf(stderr, "%s: FAIL\n%v\n", file, err)
			code = 1
		}
	}
	return code
}

// parseRunArgs parses run flags followed by scenario files.
//
// Supported flags (before the first file):
//
//	-tasks N, -tasks=N
//	-v
//	-timeout D, -timeout=D
//	-profile FILE, -profile=FILE (single scenario only)
//
// Returns:
//   - runConfig with marker settings merged over ConfigFromEnv
//   - error if a flag is malformed or no file is given
func parseRunArgs(args []string) (*runConfig, error) {
	config := &runConfig{marker: marker.ConfigFromEnv()}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if len(config.files) > 0 || !strings.HasPrefix(arg, "-") {
			config.files = append(config.files, arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch name {
		case "v", "verbose":
			config.marker.Verbose = true
			continue
		case "tasks", "timeout", "profile":
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}

		// Remaining flags take a value
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag %s needs a value", arg)
			}
			i++
			value = args[i]
		}
		switch name {
		case "tasks":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid -tasks value %q: want a positive integer", value)
			}
			if n > marker.MaxTasks {
				return nil, fmt.Errorf("invalid -tasks value %d: at most %d tasks", n, marker.MaxTasks)
			}
			config.marker.Tasks = n
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid -timeout value %q: want a positive duration", value)
			}
			config.timeout = d
		case "profile":
			config.profile = value
		}
	}

	if len(config.files) == 0 {
		return nil, fmt.Errorf("no scenario files specified")
	}
	if config.profile != "" && len(config.files) > 1 {
		return nil, fmt.Errorf("-profile needs exactly one scenario file, got %d", len(config.files))
	}
	return config, nil
}

// runScenario marks one scenario file and writes its report to stdout.
func runScenario(config *runConfig, file string, stdout io.Writer) error {
	f, err := scenario.Load(file)
	if err != nil {
		return err
	}
	w, err := scenario.Build(f)
	if err != nil {
		return err
	}
	defer w.Release()

	ctx := context.Background()
	if config.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.timeout)
		defer cancel()
	}

	stats, err := w.Mark(ctx, config.marker)
	if err != nil {
		return fmt.Errorf("marking failed: %w", err)
	}
	marker.WriteReport(stdout, stats)

	if config.profile != "" {
		if err := writeProfile(w, config.profile); err != nil {
			return err
		}
	}

	if err := w.Verify(stats); err != nil {
		return err
	}
	if f.Expect != nil {
		fmt.Fprintf(stdout, "%s: expectations met\n", file)
	}
	return nil
}

// checkCommand implements the 'gcmark check' command: every file is
// parsed and validated, nothing is allocated.
//
// Returns the process exit code: 0 when every file is valid, 1 otherwise.
func checkCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Error: no scenario files specified")
		return 1
	}

	code := 0
	for _, file := range args {
		f, err := scenario.Load(file)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			code = 1
			continue
		}
		g := f.Graph()
		fmt.Fprintf(stdout, "%s: ok (format %s, %d objects, %d reachable, %d on cycles)\n",
			file, f.Format, len(f.Objects), len(g.Reachable()), g.Cyclic())
	}
	return code
}

// writeProfile writes the heap profile of w to path.
func writeProfile(w *scenario.World, path string) (err error) {
	out, err := os.Create(path) // #nosec G304 -- user-supplied output path
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close profile: %w", cerr)
		}
	}()
	if err := w.WriteProfile(out); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
