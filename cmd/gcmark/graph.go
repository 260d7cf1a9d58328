// graph.go implements the 'gcmark graph' command.
package main

import (
	"context"
	"fmt"
	"io"

	"github.com/kolkov/gcmark/internal/gc/heap"
	"github.com/kolkov/gcmark/internal/gc/marker"
	"github.com/kolkov/gcmark/internal/scenario"
)

// graphCommand writes the object graph of one scenario in dot syntax.
//
// With -mark the scenario is marked first (configuration from the
// environment) and marked objects are filled.
//
// Example:
//
//	gcmark graph graph.json
//	gcmark graph -mark graph.json | dot -Tsvg > graph.svg
func graphCommand(args []string, stdout, stderr io.Writer) int {
	mark := false
	if len(args) > 0 && args[0] == "-mark" {
		mark = true
		args = args[1:]
	}
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Error: graph takes exactly one scenario file")
		return 1
	}

	f, err := scenario.Load(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	g := f.Graph()
	if !mark {
		g.WriteDot(stdout, nil)
		return 0
	}

	w, err := scenario.Build(f)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer w.Release()

	cfg := marker.ConfigFromEnv()
	cfg.Out = stderr
	if _, err := w.Mark(context.Background(), cfg); err != nil {
		fmt.Fprintf(stderr, "Error: marking failed: %v\n", err)
		return 1
	}
	g.WriteDot(stdout, func(node int) bool {
		a, _ := w.Object(f.Objects[node].ID)
		return heap.HeaderFromPayload(a).IsMarked()
	})
	return 0
}
