// Package graph implements a sea-of-nodes program graph.
//
// Nodes live in an arena owned by a Graph and are addressed by stable
// NodeIDs. Every node has an ordered list of inputs and a list of
// usages; the two are kept consistent by every mutation, so that if A
// has B as an input k times, B lists A as a usage k times.
//
// Fixed nodes additionally take part in the control chain: they have a
// predecessor and successors, and their order encodes the order of
// side effects. Floating nodes have no control edges and are
// scheduled later by their data dependencies alone.
//
// A Graph is not safe for concurrent use.
package graph

import (
	"fmt"
	"iter"
	"slices"

	"github.com/tliron/commonlog"
	"honnef.co/go/jit/stamp"
)

var log = commonlog.GetLogger("jit.graph")

// debugf traces graph mutations when debug logging is enabled for
// jit.graph.
func debugf(f string, args ...any) {
	if log.AllowLevel(commonlog.Debug) {
		log.Debugf(f, args...)
	}
}

// NodeID identifies a node within its graph. The zero value, NoNode,
// refers to no node.
type NodeID int32

const NoNode NodeID = 0

func (id NodeID) String() string { return fmt.Sprintf("v%d", int32(id)) }

// Position attributes a node to a bytecode index in a method. Caller
// links to the call site when the method was inlined.
type Position struct {
	Method string
	BCI    int
	Caller *Position
}

func (p *Position) String() string {
	if p == nil {
		return "?"
	}
	s := fmt.Sprintf("%s@%d", p.Method, p.BCI)
	if p.Caller != nil {
		s += " <- " + p.Caller.String()
	}
	return s
}

// Node is a single operation or value. Nodes are created and mutated
// only through their Graph.
type Node struct {
	id    NodeID
	op    Op
	st    stamp.Stamp
	aux   int64
	sym   any
	pos   *Position
	alive bool

	inputs []NodeID
	usages []NodeID

	pred  NodeID
	succs []NodeID
}

func (n *Node) ID() NodeID          { return n.id }
func (n *Node) Op() Op              { return n.op }
func (n *Node) Stamp() stamp.Stamp  { return n.st }
func (n *Node) Position() *Position { return n.pos }
func (n *Node) Pred() NodeID        { return n.pred }
func (n *Node) NumInputs() int      { return len(n.inputs) }
func (n *Node) NumUsages() int      { return len(n.usages) }
func (n *Node) NumSuccs() int       { return len(n.succs) }
func (n *Node) Input(i int) NodeID  { return n.inputs[i] }
func (n *Node) Succ(i int) NodeID   { return n.succs[i] }
func (n *Node) Usage(i int) NodeID  { return n.usages[i] }
func (n *Node) IsAlive() bool       { return n.alive }

// Aux is an operation-specific integer: the value of a Constant, the
// index of a Parameter or OSRLocal, or the result width of an extension.
func (n *Node) Aux() int64 { return n.aux }

// Sym is an operation-specific reference, such as the callee of an
// Invoke or the field of a static access.
func (n *Node) Sym() any { return n.sym }

// Next returns the first successor of a fixed node, or NoNode.
func (n *Node) Next() NodeID {
	if len(n.succs) == 0 {
		return NoNode
	}
	return n.succs[0]
}

func (n *Node) String() string {
	return fmt.Sprintf("%s = %s", n.id, n.op)
}

// InvariantViolation reports a defect in graph bookkeeping. It is
// raised as a panic and never recovered by this module.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "graph invariant violated: " + e.Msg }

func violation(format string, args ...any) {
	panic(&InvariantViolation{Msg: fmt.Sprintf(format, args...)})
}

type constKey struct {
	bits int
	v    int64
}

// Graph owns the nodes of one compilation unit.
type Graph struct {
	nodes     []*Node
	start     NodeID
	live      int
	constants map[constKey]NodeID
	pos       *Position

	// number of open iterations; mutation is forbidden while it is non-zero
	iterating int
}

// New returns a graph that contains only its start node.
func New() *Graph {
	g := &Graph{
		nodes:     []*Node{nil},
		constants: map[constKey]NodeID{},
	}
	g.start = g.Add(OpStart, stamp.Void())
	return g
}

// Start returns the start node.
func (g *Graph) Start() NodeID { return g.start }

// Node returns the node with the given id. It panics if id doesn't
// refer to a live node.
func (g *Graph) Node(id NodeID) *Node {
	if id <= NoNode || int(id) >= len(g.nodes) || g.nodes[id] == nil || !g.nodes[id].alive {
		violation("reference to nonexistent node %s", id)
	}
	return g.nodes[id]
}

// Has reports whether id refers to a live node.
func (g *Graph) Has(id NodeID) bool {
	return id > NoNode && int(id) < len(g.nodes) && g.nodes[id] != nil && g.nodes[id].alive
}

func (g *Graph) Op(id NodeID) Op               { return g.Node(id).op }
func (g *Graph) Stamp(id NodeID) stamp.Stamp   { return g.Node(id).st }
func (g *Graph) Input(id NodeID, i int) NodeID { return g.Node(id).inputs[i] }

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int { return g.live }

// MaxID returns an upper bound on the ids of live nodes.
func (g *Graph) MaxID() NodeID { return NodeID(len(g.nodes)) }

// SetPosition sets the position attributed to nodes added from now on.
func (g *Graph) SetPosition(p *Position) { g.pos = p }

func (g *Graph) checkMutable() {
	if g.iterating > 0 {
		violation("graph mutated during iteration")
	}
}

// Add inserts a new node with the given inputs and returns its id.
// Every input must be a live node of g.
func (g *Graph) Add(op Op, st stamp.Stamp, inputs ...NodeID) NodeID {
	return g.AddAux(op, st, 0, nil, inputs...)
}

// AddAux is like Add but also sets the node's Aux and Sym.
func (g *Graph) AddAux(op Op, st stamp.Stamp, aux int64, sym any, inputs ...NodeID) NodeID {
	g.checkMutable()
	if op == OpInvalid || op >= NumOps {
		violation("invalid op %s", op)
	}
	if a := op.Arity(); a >= 0 && a != len(inputs) {
		violation("%s takes %d inputs, got %d", op, a, len(inputs))
	}
	for _, in := range inputs {
		if !g.Has(in) {
			violation("%s: input %s is not part of the graph", op, in)
		}
	}
	if err := stamp.Validate(st); err != nil {
		violation("%s: %v", op, err)
	}
	n := &Node{
		id:     NodeID(len(g.nodes)),
		op:     op,
		st:     st,
		aux:    aux,
		sym:    sym,
		pos:    g.pos,
		alive:  true,
		inputs: slices.Clone(inputs),
	}
	if k := opTable[op].succs; k > 0 {
		n.succs = make([]NodeID, k)
	}
	g.nodes = append(g.nodes, n)
	g.live++
	for _, in := range inputs {
		g.nodes[in].usages = append(g.nodes[in].usages, n.id)
	}
	debugf("add %s = %s %v", n.id, op, inputs)
	return n.id
}

// Constant returns the unique constant node for v truncated to bits.
func (g *Graph) Constant(bits int, v int64) NodeID {
	v = stamp.SignExtend(v, bits)
	k := constKey{bits, v}
	if id, ok := g.constants[k]; ok && g.Has(id) {
		return id
	}
	id := g.AddAux(OpConstant, stamp.ForConstant(bits, v), v, nil)
	g.constants[k] = id
	return id
}

// Remove deletes a node. The node must have no usages and must not be
// linked into the control chain.
func (g *Graph) Remove(id NodeID) {
	g.checkMutable()
	n := g.Node(id)
	if id == g.start {
		violation("cannot remove the start node")
	}
	if len(n.usages) != 0 {
		violation("cannot remove %s: it has %d usages", n, len(n.usages))
	}
	if n.pred != NoNode {
		violation("cannot remove %s: it is linked to predecessor %s", n, n.pred)
	}
	for _, s := range n.succs {
		if s != NoNode {
			violation("cannot remove %s: it is linked to successor %s", n, s)
		}
	}
	for _, in := range n.inputs {
		g.removeUsage(in, id)
	}
	n.inputs = nil
	g.kill(n)
}

func (g *Graph) kill(n *Node) {
	if n.op == OpConstant {
		k := constKey{n.st.Bits(), n.aux}
		if g.constants[k] == n.id {
			delete(g.constants, k)
		}
	}
	n.alive = false
	n.succs = nil
	n.usages = nil
	g.live--
	debugf("remove %s", n.id)
}

func (g *Graph) removeUsage(of, user NodeID) {
	n := g.nodes[of]
	i := slices.Index(n.usages, user)
	if i < 0 {
		violation("%s is not a usage of %s", user, of)
	}
	n.usages = slices.Delete(n.usages, i, i+1)
}

// ReplaceAtUsages redirects every input edge pointing at old to repl.
func (g *Graph) ReplaceAtUsages(old, repl NodeID) {
	g.checkMutable()
	o, r := g.Node(old), g.Node(repl)
	if old == repl {
		return
	}
	for _, u := range o.usages {
		un := g.nodes[u]
		for i, in := range un.inputs {
			if in == old {
				un.inputs[i] = repl
				r.usages = append(r.usages, u)
				// Each usage entry corresponds to one input edge.
				break
			}
		}
	}
	o.usages = nil
	debugf("replace %s with %s", old, repl)
}

// SetInput replaces the i'th input of id.
func (g *Graph) SetInput(id NodeID, i int, v NodeID) {
	g.checkMutable()
	n, vn := g.Node(id), g.Node(v)
	old := n.inputs[i]
	if old == v {
		return
	}
	g.removeUsage(old, id)
	n.inputs[i] = v
	vn.usages = append(vn.usages, id)
}

// AppendInput adds an input to a node with a variable number of inputs.
func (g *Graph) AppendInput(id NodeID, v NodeID) {
	g.checkMutable()
	n, vn := g.Node(id), g.Node(v)
	if n.op.Arity() >= 0 {
		violation("%s has a fixed number of inputs", n)
	}
	n.inputs = append(n.inputs, v)
	vn.usages = append(vn.usages, id)
}

// RemoveInput removes the i'th input of a node with a variable number
// of inputs.
func (g *Graph) RemoveInput(id NodeID, i int) {
	g.checkMutable()
	n := g.Node(id)
	if n.op.Arity() >= 0 {
		violation("%s has a fixed number of inputs", n)
	}
	g.removeUsage(n.inputs[i], id)
	n.inputs = slices.Delete(n.inputs, i, i+1)
}

// SetStamp replaces the stamp of a node. The bit width cannot change.
func (g *Graph) SetStamp(id NodeID, st stamp.Stamp) {
	n := g.Node(id)
	if n.st.Bits() != st.Bits() {
		violation("%s: stamp width changed from %d to %d", n, n.st.Bits(), st.Bits())
	}
	if err := stamp.Validate(st); err != nil {
		violation("%s: %v", n, err)
	}
	n.st = st
}

// Inputs returns the inputs of a node in order. The graph must not be
// mutated while the sequence is being iterated.
func (g *Graph) Inputs(id NodeID) iter.Seq[NodeID] {
	return g.seq(id, func(n *Node) []NodeID { return n.inputs })
}

// Usages returns the nodes using a node, in the order the edges were
// created. A node using another one several times appears that many
// times.
func (g *Graph) Usages(id NodeID) iter.Seq[NodeID] {
	return g.seq(id, func(n *Node) []NodeID { return n.usages })
}

// Successors returns the non-empty successors of a fixed node.
func (g *Graph) Successors(id NodeID) iter.Seq[NodeID] {
	return g.seq(id, func(n *Node) []NodeID { return n.succs })
}

func (g *Graph) seq(id NodeID, edges func(*Node) []NodeID) iter.Seq[NodeID] {
	return func(yield func(NodeID) bool) {
		n := g.Node(id)
		g.iterating++
		defer func() { g.iterating-- }()
		for _, e := range edges(n) {
			if e == NoNode {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Nodes returns the live nodes in id order.
func (g *Graph) Nodes() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		g.iterating++
		defer func() { g.iterating-- }()
		for _, n := range g.nodes[1:] {
			if n.alive && !yield(n) {
				return
			}
		}
	}
}

// UsagesOf returns a snapshot of the usages of id, safe to hold across
// mutations.
func (g *Graph) UsagesOf(id NodeID) []NodeID {
	return slices.Clone(g.Node(id).usages)
}

// InputsOf returns a snapshot of the inputs of id.
func (g *Graph) InputsOf(id NodeID) []NodeID {
	return slices.Clone(g.Node(id).inputs)
}

// Mark returns a marker for the current end of the node arena.
func (g *Graph) Mark() NodeID { return NodeID(len(g.nodes)) }

// Truncate removes every node added after mark was taken, along with
// all edges between them and older nodes.
func (g *Graph) Truncate(mark NodeID) {
	g.checkMutable()
	if mark <= g.start || int(mark) > len(g.nodes) {
		violation("invalid mark %s", mark)
	}
	isNew := func(id NodeID) bool { return id >= mark }
	for _, n := range g.nodes[1:mark] {
		if !n.alive {
			continue
		}
		n.inputs = slices.DeleteFunc(n.inputs, isNew)
		n.usages = slices.DeleteFunc(n.usages, isNew)
		for i, s := range n.succs {
			if isNew(s) {
				n.succs[i] = NoNode
			}
		}
		if isNew(n.pred) {
			n.pred = NoNode
		}
	}
	for _, n := range g.nodes[mark:] {
		if n.alive {
			g.kill(n)
		}
	}
	clear(g.nodes[mark:])
	g.nodes = g.nodes[:mark]
	debugf("truncate to %s", mark)
}

// Phis returns the phi nodes attached to a merge.
func (g *Graph) Phis(merge NodeID) []NodeID {
	var out []NodeID
	for _, u := range g.Node(merge).usages {
		if g.nodes[u].op == OpPhi && g.nodes[u].inputs[0] == merge && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
