package scenario

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/kolkov/gcmark/internal/gc/marker"
)

func parse(t *testing.T, input string) *File {
	t.Helper()
	f, err := Parse(strings.NewReader(input), "graph.json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return f
}

func labels(g *Graph, nodes []int) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, g.Label(n))
	}
	return out
}

// TestGraph_Reachable verifies strong, interior and weak edges.
func TestGraph_Reachable(t *testing.T) {
	f := parse(t, `{
		"format": "v1",
		"types": [{"name": "Pair", "strong": 1, "weak": 1}],
		"objects": [
			{"id": "root", "refs": ["p", "q+8", "0x7"]},
			{"id": "p", "type": "Pair", "refs": ["x"], "weak": ["y"]},
			{"id": "q", "size": 16},
			{"id": "x"},
			{"id": "y"},
			{"id": "z", "type": "Pair", "weak": ["y"], "inConstruction": true}
		],
		"roots": ["root", "nil"]
	}`)
	g := f.Graph()
	if g.NumNodes() != 6 {
		t.Fatalf("NumNodes() = %d, want 6", g.NumNodes())
	}
	if got := labels(g, g.Out(0)); !slices.Equal(got, []string{"p", "q"}) {
		t.Errorf("Out(root) = %v, want [p q]", got)
	}
	if got := labels(g, g.Out(1)); !slices.Equal(got, []string{"x"}) {
		t.Errorf("Out(p) = %v, want [x] (weak slot skipped)", got)
	}
	if got := labels(g, g.Out(5)); !slices.Equal(got, []string{"y"}) {
		t.Errorf("Out(z) = %v, want [y] (conservative weak slot)", got)
	}
	if got := labels(g, g.Reachable()); !slices.Equal(got, []string{"root", "p", "q", "x"}) {
		t.Errorf("Reachable() = %v, want [root p q x]", got)
	}
}

// TestGraph_Steps verifies stores and construction completions are
// applied.
func TestGraph_Steps(t *testing.T) {
	f, err := Load("testdata/construction.json")
	if err != nil {
		t.Fatal(err)
	}
	g := f.Graph()
	got := labels(g, g.Reachable())
	want := []string{"root", "pending", "late", "fresh"}
	if !slices.Equal(got, want) {
		t.Errorf("Reachable() = %v, want %v", got, want)
	}
}

// TestGraph_Cyclic verifies objects on cycles are counted.
func TestGraph_Cyclic(t *testing.T) {
	f := parse(t, `{
		"format": "v1",
		"objects": [
			{"id": "a", "refs": ["b"]},
			{"id": "b", "refs": ["c"]},
			{"id": "c", "refs": ["a"]},
			{"id": "self", "refs": ["self"]},
			{"id": "leaf"},
			{"id": "tail", "refs": ["leaf"]}
		]
	}`)
	if got := f.Graph().Cyclic(); got != 4 {
		t.Errorf("Cyclic() = %d, want 4", got)
	}
}

// TestGraph_WriteDot verifies the dot output marks roots and marked
// objects.
func TestGraph_WriteDot(t *testing.T) {
	w := build(t, "testdata/basic.json")
	stats, err := w.Mark(context.Background(), quiet(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Verify(stats); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	g := w.File.Graph()
	g.WriteDot(&buf, w.isMarked)
	out := buf.String()
	for _, want := range []string{"digraph", "garbage", "box", "filled"} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "filled") != 4 {
		t.Errorf("want 4 filled nodes:\n%s", out)
	}
	t.Logf("dot:\n%s", out)
}

// TestVerify_GraphMismatch verifies marking is checked against the graph
// even without expectations.
func TestVerify_GraphMismatch(t *testing.T) {
	f := parse(t, `{"format": "v1", "objects": [{"id": "a", "refs": ["b"]}, {"id": "b"}, {"id": "c"}], "roots": ["a"]}`)
	w, err := Build(f)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Release()

	// No marking ran: the reachable objects are unmarked.
	err = w.Verify(marker.Stats{})
	if err == nil {
		t.Fatal("Verify() succeeded on an unmarked heap")
	}
	for _, want := range []string{`reachable object "a" is not marked`, `reachable object "b" is not marked`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Verify() error missing %q:\n%v", want, err)
		}
	}
	if strings.Contains(err.Error(), `"c"`) {
		t.Errorf("Verify() reported unreachable c:\n%v", err)
	}
}
