package scenario

import (
	"io"

	"github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"
)

// Graph is the object graph of a scenario after all of its steps. Nodes
// are objects in file order; edges are the references marking follows.
//
// Graph satisfies the graph.Graph interface.
type Graph struct {
	file  *File
	out   [][]int
	roots []int
}

var _ graph.Graph = (*Graph)(nil)

func (g *Graph) NumNodes() int {
	return len(g.out)
}

func (g *Graph) Out(i int) []int {
	return g.out[i]
}

// Label returns the object id of node i.
func (g *Graph) Label(i int) string {
	return g.file.Objects[i].ID
}

// Graph builds the object graph of f as it stands after every step.
//
// Strong slots are edges. Weak slots are edges only for objects still in
// construction when marking finishes: those are scanned conservatively, so
// every slot keeps its target alive.
func (f *File) Graph() *Graph {
	g := &Graph{file: f, out: make([][]int, len(f.Objects))}

	slots := make([][]string, len(f.Objects))
	constructed := make([]bool, len(f.Objects))
	for i, o := range f.Objects {
		s := make([]string, f.slots(o))
		copy(s, o.Refs)
		strong := f.types[f.typeOf(o)].Strong
		copy(s[strong:], o.Weak)
		slots[i] = s
		constructed[i] = !o.InConstruction
	}
	for _, st := range f.Steps {
		for _, s := range st.Stores {
			slots[f.objects[s.Object]][s.Slot] = s.Ref
		}
		for _, id := range st.Construct {
			constructed[f.objects[id]] = true
		}
	}

	for i, o := range f.Objects {
		t := f.types[f.typeOf(o)]
		for j, s := range slots[i] {
			if constructed[i] && t.Name != AnyType && j >= t.Strong {
				continue
			}
			if n, ok := f.node(s); ok {
				g.out[i] = append(g.out[i], n)
			}
		}
	}
	for _, r := range f.Roots {
		if n, ok := f.node(r); ok {
			g.roots = append(g.roots, n)
		}
	}
	return g
}

// node returns the object a reference string points into.
func (f *File) node(s string) (int, bool) {
	r, err := parseRef(s)
	if err != nil || r.kind != refObject {
		return 0, false
	}
	n, ok := f.objects[r.id]
	return n, ok
}

// Reachable returns the nodes reachable from the roots, in node order.
func (g *Graph) Reachable() []int {
	marks := graphalg.NewNodeMarks()
	stack := append([]int(nil), g.roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if marks.Test(n) {
			continue
		}
		marks.Mark(n)
		for _, succ := range g.Out(n) {
			if !marks.Test(succ) {
				stack = append(stack, succ)
			}
		}
	}

	var nodes []int
	for n := marks.Next(-1); n >= 0; n = marks.Next(n) {
		nodes = append(nodes, n)
	}
	return nodes
}

// Cyclic returns the number of objects that lie on a reference cycle.
func (g *Graph) Cyclic() int {
	scc := graphalg.SCC(g, 0)
	count := 0
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nodes := scc.Subnodes(cid)
		switch {
		case len(nodes) > 1:
			count += len(nodes)
		case len(nodes) == 1 && g.selfLoop(nodes[0]):
			count++
		}
	}
	return count
}

func (g *Graph) selfLoop(n int) bool {
	for _, succ := range g.out[n] {
		if succ == n {
			return true
		}
	}
	return false
}

// WriteDot writes g in Graphviz dot syntax. Roots are drawn as boxes. If
// marked is not nil, nodes for which it reports true are filled.
func (g *Graph) WriteDot(w io.Writer, marked func(node int) bool) {
	root := make([]bool, g.NumNodes())
	for _, n := range g.roots {
		root[n] = true
	}
	nodeAttrs := func(node int) []graphout.DotAttr {
		var attrs []graphout.DotAttr
		if root[node] {
			attrs = append(attrs, graphout.DotAttr{Name: "shape", Val: "box"})
		}
		if marked != nil && marked(node) {
			attrs = append(attrs,
				graphout.DotAttr{Name: "style", Val: "filled"},
				graphout.DotAttr{Name: "fillcolor", Val: "gray"})
		}
		return attrs
	}
	graphout.Dot{Label: g.Label, NodeAttrs: nodeAttrs}.Fprint(w, g)
}
