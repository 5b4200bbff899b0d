package graph

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/tools/container/intsets"
	"honnef.co/go/jit/stamp"
)

func count(ids []NodeID, id NodeID) int {
	k := 0
	for _, x := range ids {
		if x == id {
			k++
		}
	}
	return k
}

// Verify checks the structural invariants of g and returns every
// violation found.
func (g *Graph) Verify() error {
	var errs []error
	report := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	for _, n := range g.nodes[1:] {
		if n == nil || !n.alive {
			continue
		}
		for _, in := range n.inputs {
			if !g.Has(in) {
				report("%s: input %s is dead", n, in)
				continue
			}
			if a, b := count(n.inputs, in), count(g.nodes[in].usages, n.id); a != b {
				report("%s uses %s %d times, but %s lists %d usages", n, in, a, in, b)
			}
		}
		for _, u := range n.usages {
			if !g.Has(u) {
				report("%s: usage %s is dead", n, u)
			} else if !slices.Contains(g.nodes[u].inputs, n.id) {
				report("%s lists usage %s, which doesn't use it", n, u)
			}
		}
		if err := stamp.Validate(n.st); err != nil {
			report("%s: %v", n, err)
		}
		if a := n.op.Arity(); a >= 0 && a != len(n.inputs) {
			report("%s has %d inputs, want %d", n, len(n.inputs), a)
		}

		if !n.op.IsFixed() {
			if n.pred != NoNode || len(n.succs) != 0 {
				report("floating node %s has control edges", n)
			}
		} else {
			for _, s := range n.succs {
				if s == NoNode {
					continue
				}
				if !g.Has(s) {
					report("%s: successor %s is dead", n, s)
				} else if g.nodes[s].pred != n.id {
					report("%s: successor %s has predecessor %s", n, s, g.nodes[s].pred)
				}
			}
			if n.pred != NoNode {
				if !g.Has(n.pred) || !slices.Contains(g.nodes[n.pred].succs, n.id) {
					report("%s: predecessor %s doesn't list it as a successor", n, n.pred)
				}
			} else if n.id != g.start && !n.op.IsMerge() {
				report("%s has no predecessor", n)
			}
		}

		switch {
		case n.op.IsMerge():
			if len(n.inputs) == 0 {
				report("%s has no ends", n)
			}
			for _, in := range n.inputs {
				if g.Has(in) && !g.nodes[in].op.IsEnd() {
					report("%s: input %s is not an end", n, g.nodes[in])
				}
			}
			if n.op == OpMerge && len(n.inputs) != g.ForwardEnds(n.id) {
				report("%s has loop ends", n)
			}
		case n.op.IsEnd():
			if g.MergeOf(n.id) == NoNode {
				report("%s doesn't flow into a merge", n)
			}
		case n.op == OpPhi:
			if len(n.inputs) == 0 || !g.Has(n.inputs[0]) || !g.nodes[n.inputs[0]].op.IsMerge() {
				report("%s isn't attached to a merge", n)
				break
			}
			m := g.nodes[n.inputs[0]]
			if len(n.inputs)-1 != len(m.inputs) {
				report("%s has %d values, but %s has %d ends", n, len(n.inputs)-1, m, len(m.inputs))
			}
			for _, v := range n.inputs[1:] {
				if g.Has(v) && g.nodes[v].st.Bits() != n.st.Bits() {
					report("%s: value %s has a different width", n, v)
				}
			}
		case n.op == OpIf:
			if g.Has(n.inputs[0]) && g.nodes[n.inputs[0]].st.Bits() != 32 {
				report("%s: condition is not a 32-bit value", n)
			}
		}
	}
	return errors.Join(errs...)
}

// Reachable returns the set of nodes reachable from the start node by
// following successors, ends into their merges, and inputs.
func (g *Graph) Reachable() *intsets.Sparse {
	var seen intsets.Sparse
	stack := []NodeID{g.start}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.Insert(int(x)) {
			continue
		}
		n := g.nodes[x]
		for _, s := range n.succs {
			if s != NoNode {
				stack = append(stack, s)
			}
		}
		stack = append(stack, n.inputs...)
		if n.op.IsEnd() {
			if m := g.MergeOf(x); m != NoNode {
				stack = append(stack, m)
			}
		}
	}
	return &seen
}

// RemoveUnreachable deletes every node not reachable from the start
// node. It returns the number of nodes removed.
func (g *Graph) RemoveUnreachable() int {
	g.checkMutable()
	r := g.Reachable()
	var dead []*Node
	for _, n := range g.nodes[1:] {
		if n != nil && n.alive && !r.Has(int(n.id)) {
			dead = append(dead, n)
		}
	}
	// Sever edges from reachable nodes first; reachable nodes can only
	// be used by, or follow, unreachable ones.
	for _, n := range dead {
		for _, in := range n.inputs {
			g.removeUsage(in, n.id)
		}
		n.inputs = nil
		for _, s := range n.succs {
			if s != NoNode && r.Has(int(s)) {
				g.nodes[s].pred = NoNode
			}
		}
	}
	for _, n := range dead {
		n.pred = NoNode
		n.usages = nil
		g.kill(n)
	}
	return len(dead)
}
