// Package canon simplifies graphs by applying local rewrite rules until
// none applies.
//
// Every node is visited at least once. Visiting a node first narrows
// its stamp to what its inputs allow, then replaces it by a constant if
// the stamp admits only one value or its inputs are all constants, and
// finally applies the rule registered for its op. Whenever a node
// changes, the nodes that can observe the change are queued again.
//
// Stamps only ever shrink, and every other rewrite removes nodes or
// replaces them by existing ones, so the process terminates.
package canon

import (
	"fmt"
	"slices"

	"github.com/tliron/commonlog"
	"golang.org/x/tools/container/intsets"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

var log = commonlog.GetLogger("jit.canon")

// Order is the order in which the initial worklist is processed. The
// result is equivalent for every order; only the work needed to reach
// it differs.
type Order int

const (
	// Forward visits nodes in ascending id order.
	Forward Order = iota
	// Reverse visits nodes in descending id order.
	Reverse
)

type Options struct {
	Order Order
}

// Stats counts the rewrites performed by Run.
type Stats struct {
	// Iterations is the number of nodes visited.
	Iterations int
	// Folded counts nodes replaced by constants.
	Folded int
	// Simplified counts nodes replaced by simpler ones, and control
	// flow reductions.
	Simplified int
	// Narrowed counts stamp updates.
	Narrowed int
	// Removed counts deleted nodes.
	Removed int
}

// Changed reports whether any rewrite was performed.
func (s Stats) Changed() bool {
	return s.Folded+s.Simplified+s.Narrowed+s.Removed > 0
}

func (s Stats) String() string {
	return fmt.Sprintf("%d iterations, %d folded, %d simplified, %d narrowed, %d removed",
		s.Iterations, s.Folded, s.Simplified, s.Narrowed, s.Removed)
}

type canonicalizer struct {
	g      *graph.Graph
	work   []graph.NodeID
	queued intsets.Sparse
	stats  Stats
}

// Run canonicalizes g until no rule applies.
func Run(g *graph.Graph, opts Options) Stats {
	c := &canonicalizer{g: g}
	for {
		c.seed(opts.Order)
		for len(c.work) > 0 {
			id := c.work[len(c.work)-1]
			c.work = c.work[:len(c.work)-1]
			c.queued.Remove(int(id))
			if !g.Has(id) {
				continue
			}
			c.stats.Iterations++
			c.visit(id)
		}
		// Cycles of dead phis keep each other alive.
		n := g.RemoveUnreachable()
		if n == 0 {
			break
		}
		c.stats.Removed += n
		log.Debugf("removed %d unreachable nodes", n)
	}
	log.Debugf("canonicalized: %s", c.stats)
	return c.stats
}

func (c *canonicalizer) seed(order Order) {
	var ids []graph.NodeID
	for n := range c.g.Nodes() {
		ids = append(ids, n.ID())
	}
	// The worklist is a stack.
	if order == Forward {
		slices.Reverse(ids)
	}
	for _, id := range ids {
		c.push(id)
	}
}

func (c *canonicalizer) push(id graph.NodeID) {
	if id == graph.NoNode || !c.g.Has(id) {
		return
	}
	if c.queued.Insert(int(id)) {
		c.work = append(c.work, id)
	}
}

func (c *canonicalizer) pushAll(ids []graph.NodeID) {
	for _, id := range ids {
		c.push(id)
	}
}

// pushControl queues every fixed node and phi. Removing control flow
// changes the ends of merges and can leave fixed nodes unused.
func (c *canonicalizer) pushControl() {
	var ids []graph.NodeID
	for n := range c.g.Nodes() {
		if n.Op().IsFixed() || n.Op() == graph.OpPhi {
			ids = append(ids, n.ID())
		}
	}
	c.pushAll(ids)
}

func (c *canonicalizer) visit(id graph.NodeID) {
	g := c.g
	n := g.Node(id)
	op := n.Op()
	if op.IsFloating() && n.NumUsages() == 0 {
		c.remove(id)
		return
	}
	c.narrow(id)
	if op.IsFloating() && op != graph.OpConstant && c.fold(n) {
		return
	}
	if r := rules[op]; r != nil && r(c, n) {
		c.stats.Simplified++
	}
}

// narrow intersects the stamp of id with the one inferred from its
// inputs.
func (c *canonicalizer) narrow(id graph.NodeID) bool {
	g := c.g
	old := g.Stamp(id)
	if old.IsVoid() {
		return false
	}
	st := stamp.Meet(old, g.InferStamp(id))
	if st == old {
		return false
	}
	g.SetStamp(id, st)
	c.stats.Narrowed++
	log.Debugf("%s: narrowed %s to %s", id, old, st)
	c.pushAll(g.UsagesOf(id))
	return true
}

// fold replaces a floating node by a constant.
func (c *canonicalizer) fold(n *graph.Node) bool {
	v, ok := n.Stamp().AsConstant()
	if !ok {
		v, ok = c.evaluate(n)
	}
	if !ok {
		return false
	}
	c.replace(n.ID(), c.g.Constant(n.Stamp().Bits(), v))
	c.stats.Folded++
	return true
}

// evaluate computes the value of n if all its inputs are constants.
func (c *canonicalizer) evaluate(n *graph.Node) (int64, bool) {
	if n.NumInputs() == 0 || n.Op() == graph.OpPhi {
		return 0, false
	}
	args := make([]int64, n.NumInputs())
	for i := range args {
		in := c.g.Node(n.Input(i))
		if in.Op() != graph.OpConstant {
			return 0, false
		}
		args[i] = in.Aux()
	}
	return graph.Fold(n.Op(), n.Aux(), c.g.Stamp(n.Input(0)).Bits(), n.Stamp().Bits(), args...)
}

// replace redirects the usages of a floating node to repl and deletes it.
func (c *canonicalizer) replace(id, repl graph.NodeID) {
	g := c.g
	log.Debugf("replacing %s with %s", g.Node(id), g.Node(repl))
	users := g.UsagesOf(id)
	g.ReplaceAtUsages(id, repl)
	c.push(repl)
	c.pushAll(users)
	c.remove(id)
}

func (c *canonicalizer) remove(id graph.NodeID) {
	g := c.g
	ins := g.InputsOf(id)
	g.Remove(id)
	c.stats.Removed++
	c.pushAll(ins)
}

// reduce performs a control flow reduction and accounts for the nodes
// it deletes.
func (c *canonicalizer) reduce(f func()) {
	before := c.g.NodeCount()
	f()
	c.stats.Removed += before - c.g.NodeCount()
	c.pushControl()
}

// replaceFixed redirects the usages of a fixed node to repl and splices
// it out of the control chain.
func (c *canonicalizer) replaceFixed(id, repl graph.NodeID) {
	g := c.g
	n := g.Node(id)
	log.Debugf("replacing %s with %s", n, g.Node(repl))
	users := g.UsagesOf(id)
	ins := g.InputsOf(id)
	pred, next := n.Pred(), n.Next()
	g.ReplaceAtUsages(id, repl)
	c.reduce(func() { g.RemoveFixed(id) })
	c.push(repl)
	c.pushAll(users)
	c.pushAll(ins)
	c.push(pred)
	c.push(next)
}

func (c *canonicalizer) removeFixed(id graph.NodeID) {
	g := c.g
	n := g.Node(id)
	log.Debugf("removing %s", n)
	ins := g.InputsOf(id)
	pred, next := n.Pred(), n.Next()
	c.reduce(func() { g.RemoveFixed(id) })
	c.pushAll(ins)
	c.push(pred)
	c.push(next)
}

func (c *canonicalizer) constant(id graph.NodeID) (int64, bool) {
	return c.g.Stamp(id).AsConstant()
}

func (c *canonicalizer) isConstant(id graph.NodeID, v int64) bool {
	x, ok := c.constant(id)
	return ok && x == stamp.SignExtend(v, c.g.Stamp(id).Bits())
}
