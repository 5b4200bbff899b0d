package graph

import (
	"slices"

	"golang.org/x/tools/container/intsets"
)

// SetSuccessor sets the i'th successor of a fixed node. s must not
// already have a predecessor. Passing NoNode unlinks the current
// successor.
func (g *Graph) SetSuccessor(id NodeID, i int, s NodeID) {
	g.checkMutable()
	n := g.Node(id)
	if i >= len(n.succs) {
		violation("%s has no successor slot %d", n, i)
	}
	if old := n.succs[i]; old != NoNode {
		g.nodes[old].pred = NoNode
	}
	n.succs[i] = s
	if s == NoNode {
		return
	}
	sn := g.Node(s)
	switch {
	case !sn.op.IsFixed():
		violation("%s cannot follow %s: it is floating", sn, n)
	case sn.op.IsMerge() || sn.op == OpStart:
		violation("%s cannot follow %s: it is entered through ends", sn, n)
	case sn.pred != NoNode:
		violation("%s already follows %s", sn, sn.pred)
	}
	sn.pred = id
}

// SetNext sets the first successor of a fixed node.
func (g *Graph) SetNext(id, next NodeID) { g.SetSuccessor(id, 0, next) }

// AddExceptionEdge gives a node that can throw a second successor that
// control transfers to when it does.
func (g *Graph) AddExceptionEdge(id, handler NodeID) {
	g.checkMutable()
	n := g.Node(id)
	if !n.op.CanThrow() || len(n.succs) != 1 {
		violation("%s cannot take an exception edge", n)
	}
	n.succs = append(n.succs, NoNode)
	g.SetSuccessor(id, 1, handler)
}

// ExceptionEdge returns the exception successor of id, or NoNode.
func (g *Graph) ExceptionEdge(id NodeID) NodeID {
	n := g.Node(id)
	if n.op.CanThrow() && len(n.succs) == 2 {
		return n.succs[1]
	}
	return NoNode
}

// RemoveExceptionEdge removes the exception successor of id, if it has
// one, and kills the code only reachable through it.
func (g *Graph) RemoveExceptionEdge(id NodeID) {
	g.checkMutable()
	n := g.Node(id)
	h := g.ExceptionEdge(id)
	if h == NoNode {
		return
	}
	g.SetSuccessor(id, 1, NoNode)
	n.succs = n.succs[:1]
	g.KillCFG(h)
}

// MergeOf returns the merge an End or LoopEnd flows into, or NoNode if
// it isn't attached yet.
func (g *Graph) MergeOf(end NodeID) NodeID {
	for _, u := range g.Node(end).usages {
		if g.nodes[u].op.IsMerge() {
			return u
		}
	}
	return NoNode
}

// ForwardEnds returns the number of End inputs of a merge, excluding
// loop back edges.
func (g *Graph) ForwardEnds(merge NodeID) int {
	k := 0
	for _, in := range g.Node(merge).inputs {
		if g.nodes[in].op == OpEnd {
			k++
		}
	}
	return k
}

// AddEnd attaches an End or LoopEnd to a merge. For every phi of the
// merge, value(phi) supplies the value flowing in along the new edge.
func (g *Graph) AddEnd(merge, end NodeID, value func(phi NodeID) NodeID) {
	m := g.Node(merge)
	if !m.op.IsMerge() {
		violation("%s is not a merge", m)
	}
	if e := g.Node(end); !e.op.IsEnd() || g.MergeOf(end) != NoNode {
		violation("%s is not a free end", e)
	}
	phis := g.Phis(merge)
	g.AppendInput(merge, end)
	for _, phi := range phis {
		g.AppendInput(phi, value(phi))
	}
}

// detachEnd removes an end from its merge, dropping the corresponding
// phi values. It returns the dropped values.
func (g *Graph) detachEnd(merge, end NodeID) []NodeID {
	m := g.Node(merge)
	i := slices.Index(m.inputs, end)
	if i < 0 {
		violation("%s does not flow into %s", end, merge)
	}
	var dropped []NodeID
	for _, phi := range g.Phis(merge) {
		dropped = append(dropped, g.nodes[phi].inputs[i+1])
		g.RemoveInput(phi, i+1)
	}
	g.RemoveInput(merge, i)
	return dropped
}

// RemoveFixed splices a fixed node with a single successor out of the
// control chain and deletes it. Its exception successor, if any, is
// killed. The node must have no usages left.
func (g *Graph) RemoveFixed(id NodeID) {
	g.checkMutable()
	n := g.Node(id)
	if !n.op.IsFixed() || n.op.IsMerge() || n.op.IsEnd() || len(n.succs) == 0 || n.op == OpIf {
		violation("cannot splice %s out of the control chain", n)
	}
	g.RemoveExceptionEdge(id)
	next := n.succs[0]
	g.SetSuccessor(id, 0, NoNode)
	g.replaceInPredecessor(id, next)
	g.Remove(id)
}

// replaceInPredecessor makes repl follow id's predecessor instead of id.
func (g *Graph) replaceInPredecessor(id, repl NodeID) {
	n := g.Node(id)
	p := n.pred
	if p == NoNode {
		violation("%s has no predecessor", n)
	}
	pn := g.nodes[p]
	i := slices.Index(pn.succs, id)
	g.SetSuccessor(p, i, NoNode)
	if repl != NoNode {
		g.SetSuccessor(p, i, repl)
	}
}

// ReduceSplit replaces a control split by its keep'th successor. The
// other successors are killed.
func (g *Graph) ReduceSplit(id NodeID, keep int) {
	g.checkMutable()
	n := g.Node(id)
	if len(n.succs) < 2 {
		violation("%s is not a control split", n)
	}
	for i, s := range slices.Clone(n.succs) {
		if i != keep && s != NoNode {
			g.SetSuccessor(id, i, NoNode)
			g.KillCFG(s)
		}
	}
	survivor := n.succs[keep]
	g.SetSuccessor(id, keep, NoNode)
	g.replaceInPredecessor(id, survivor)
	ins := slices.Clone(n.inputs)
	g.Remove(id)
	g.RemoveUnused(ins...)
}

// ReduceTrivialMerge removes a merge that has exactly one forward end
// and no loop ends. Its phis are replaced by their single value.
func (g *Graph) ReduceTrivialMerge(merge NodeID) {
	g.checkMutable()
	m := g.Node(merge)
	if !m.op.IsMerge() || len(m.inputs) != 1 || g.nodes[m.inputs[0]].op != OpEnd {
		violation("%s is not a trivial merge", m)
	}
	end := m.inputs[0]
	for _, phi := range g.Phis(merge) {
		v := g.nodes[phi].inputs[1]
		g.ReplaceAtUsages(phi, v)
		g.Remove(phi)
	}
	pred := g.nodes[end].pred
	if pred == NoNode {
		violation("%s is not linked", g.nodes[end])
	}
	i := slices.Index(g.nodes[pred].succs, end)
	next := m.succs[0]
	g.SetSuccessor(merge, 0, NoNode)
	g.RemoveInput(merge, 0)
	g.Remove(merge)
	g.SetSuccessor(pred, i, NoNode)
	g.Remove(end)
	if next != NoNode {
		g.SetSuccessor(pred, i, next)
	}
}

// KillCFG removes the fixed node id and every fixed node only
// reachable through it, along with the floating nodes depending on
// them. Merges that lose some but not all of their ends survive with
// fewer phi values; merges that lose all forward ends die too.
func (g *Graph) KillCFG(id NodeID) {
	g.checkMutable()
	n := g.Node(id)
	if !n.op.IsFixed() || n.op == OpStart {
		violation("cannot kill %s", n)
	}
	if n.pred != NoNode {
		g.replaceInPredecessor(id, NoNode)
	}

	var dead intsets.Sparse
	var inputs []NodeID
	stack := []NodeID{id}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !dead.Insert(int(x)) {
			continue
		}
		xn := g.nodes[x]
		if xn.op.IsEnd() {
			if m := g.MergeOf(x); m != NoNode {
				inputs = append(inputs, g.detachEnd(m, x)...)
				if !dead.Has(int(m)) && g.ForwardEnds(m) == 0 {
					stack = append(stack, m)
				}
			}
			continue
		}
		for _, s := range xn.succs {
			if s != NoNode {
				stack = append(stack, s)
			}
		}
	}

	// Floating nodes using dead nodes die with them.
	var work []int
	work = dead.AppendTo(work)
	for len(work) > 0 {
		x := NodeID(work[len(work)-1])
		work = work[:len(work)-1]
		for _, u := range g.nodes[x].usages {
			un := g.nodes[u]
			if dead.Has(int(u)) {
				continue
			}
			if un.op.IsFixed() {
				violation("%s uses %s, which is being killed", un, g.nodes[x])
			}
			dead.Insert(int(u))
			work = append(work, int(u))
		}
	}

	for _, x := range dead.AppendTo(nil) {
		xn := g.nodes[x]
		for _, in := range xn.inputs {
			if !dead.Has(int(in)) {
				inputs = append(inputs, in)
			}
			g.removeUsage(in, NodeID(x))
		}
		xn.inputs = nil
		xn.pred = NoNode
	}
	for _, x := range dead.AppendTo(nil) {
		xn := g.nodes[x]
		xn.usages = nil
		g.kill(xn)
	}
	g.RemoveUnused(inputs...)
}

// RemoveUnused removes the given floating nodes if they have no usages,
// and transitively their inputs that become unused.
func (g *Graph) RemoveUnused(ids ...NodeID) {
	work := slices.Clone(ids)
	for len(work) > 0 {
		x := work[len(work)-1]
		work = work[:len(work)-1]
		if !g.Has(x) || x == g.start {
			continue
		}
		xn := g.nodes[x]
		if !xn.op.IsFloating() || len(xn.usages) != 0 {
			continue
		}
		work = append(work, xn.inputs...)
		g.Remove(x)
	}
}
