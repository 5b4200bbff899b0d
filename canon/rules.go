package canon

import (
	"slices"

	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

// A rule rewrites n in place or replaces it. It reports whether it
// changed the graph. Rules run after n's stamp has been narrowed and
// after constant folding has been tried.
type rule func(c *canonicalizer, n *graph.Node) bool

var rules = [graph.NumOps]rule{
	graph.OpAdd:         simplifyAdd,
	graph.OpSub:         simplifySub,
	graph.OpMul:         simplifyMul,
	graph.OpAnd:         simplifyAnd,
	graph.OpOr:          simplifyOr,
	graph.OpXor:         simplifyXor,
	graph.OpShl:         simplifyShift,
	graph.OpShr:         simplifyShift,
	graph.OpUShr:        simplifyShift,
	graph.OpNeg:         simplifyInvolution,
	graph.OpNot:         simplifyInvolution,
	graph.OpEquals:      simplifyCompare,
	graph.OpLessThan:    simplifyOrder,
	graph.OpBelow:       simplifyOrder,
	graph.OpConditional: simplifyConditional,
	graph.OpSignExtend:  simplifyExtend,
	graph.OpZeroExtend:  simplifyExtend,
	graph.OpNarrow:      simplifyNarrow,
	graph.OpPhi:         simplifyPhi,

	graph.OpDiv:          simplifyDivRem,
	graph.OpRem:          simplifyDivRem,
	graph.OpLoadStatic:   removeIfUnused,
	graph.OpReadRegister: removeIfUnused,
	graph.OpIf:           simplifyIf,
	graph.OpBegin:        simplifyBegin,
	graph.OpMerge:        simplifyMerge,
	graph.OpLoopBegin:    simplifyMerge,
}

// commute moves a constant operand of a commutative node to the right,
// so that the other rules only need to look there.
func commute(c *canonicalizer, n *graph.Node) bool {
	x, y := n.Input(0), n.Input(1)
	if !c.g.Stamp(x).IsConstant() || c.g.Stamp(y).IsConstant() {
		return false
	}
	c.g.SetInput(n.ID(), 0, y)
	c.g.SetInput(n.ID(), 1, x)
	c.push(n.ID())
	return true
}

func (c *canonicalizer) zero(n *graph.Node) graph.NodeID {
	return c.g.Constant(n.Stamp().Bits(), 0)
}

func simplifyAdd(c *canonicalizer, n *graph.Node) bool {
	if commute(c, n) {
		return true
	}
	if c.isConstant(n.Input(1), 0) {
		c.replace(n.ID(), n.Input(0))
		return true
	}
	return false
}

func simplifySub(c *canonicalizer, n *graph.Node) bool {
	x, y := n.Input(0), n.Input(1)
	switch {
	case c.isConstant(y, 0):
		c.replace(n.ID(), x)
	case x == y:
		c.replace(n.ID(), c.zero(n))
	default:
		return false
	}
	return true
}

func simplifyMul(c *canonicalizer, n *graph.Node) bool {
	if commute(c, n) {
		return true
	}
	x, y := n.Input(0), n.Input(1)
	switch {
	case c.isConstant(y, 1):
		c.replace(n.ID(), x)
	case c.isConstant(y, 0):
		c.replace(n.ID(), c.zero(n))
	default:
		return false
	}
	return true
}

func simplifyAnd(c *canonicalizer, n *graph.Node) bool {
	if commute(c, n) {
		return true
	}
	x, y := n.Input(0), n.Input(1)
	xs, ys := c.g.Stamp(x), c.g.Stamp(y)
	switch {
	case x == y:
		c.replace(n.ID(), x)
	case c.isConstant(y, 0):
		c.replace(n.ID(), c.zero(n))
	case xs.MayBeSet()&^ys.MustBeSet() == 0:
		// y keeps every bit x may have.
		c.replace(n.ID(), x)
	default:
		return false
	}
	return true
}

func simplifyOr(c *canonicalizer, n *graph.Node) bool {
	if commute(c, n) {
		return true
	}
	x, y := n.Input(0), n.Input(1)
	xs, ys := c.g.Stamp(x), c.g.Stamp(y)
	switch {
	case x == y:
		c.replace(n.ID(), x)
	case ys.MayBeSet()&^xs.MustBeSet() == 0:
		// y only has bits x already has.
		c.replace(n.ID(), x)
	default:
		return false
	}
	return true
}

func simplifyXor(c *canonicalizer, n *graph.Node) bool {
	if commute(c, n) {
		return true
	}
	x, y := n.Input(0), n.Input(1)
	switch {
	case x == y:
		c.replace(n.ID(), c.zero(n))
	case c.isConstant(y, 0):
		c.replace(n.ID(), x)
	default:
		return false
	}
	return true
}

func simplifyShift(c *canonicalizer, n *graph.Node) bool {
	x := n.Input(0)
	s, ok := stamp.ShiftAmount(c.g.Stamp(x).Bits(), c.g.Stamp(n.Input(1)))
	if !ok || s != 0 {
		return false
	}
	c.replace(n.ID(), x)
	return true
}

// simplifyInvolution removes a negation or complement of the same
// operation.
func simplifyInvolution(c *canonicalizer, n *graph.Node) bool {
	x := c.g.Node(n.Input(0))
	if x.Op() != n.Op() {
		return false
	}
	c.replace(n.ID(), x.Input(0))
	return true
}

func simplifyCompare(c *canonicalizer, n *graph.Node) bool {
	if n.Input(0) != n.Input(1) {
		return false
	}
	v := int64(0)
	if n.Op() == graph.OpEquals {
		v = 1
	}
	c.replace(n.ID(), c.g.Constant(32, v))
	return true
}

// simplifyOrder decides an ordering comparison from the bounds of its
// operands in the comparison's domain.
func simplifyOrder(c *canonicalizer, n *graph.Node) bool {
	if simplifyCompare(c, n) {
		return true
	}
	x, y := c.g.Stamp(n.Input(0)), c.g.Stamp(n.Input(1))
	h := graph.CompareHelper(n.Op(), x.Bits())
	var v int64
	switch h.FoldLess(x, y) {
	case stamp.AlwaysTrue:
		v = 1
	case stamp.AlwaysFalse:
	default:
		return false
	}
	c.replace(n.ID(), c.g.Constant(32, v))
	return true
}

func simplifyConditional(c *canonicalizer, n *graph.Node) bool {
	g := c.g
	cond, a, b := n.Input(0), n.Input(1), n.Input(2)
	cs := g.Stamp(cond)
	switch {
	case cs.IsEmpty():
		return false
	case a == b:
		c.replace(n.ID(), a)
	case !cs.Contains(0):
		c.replace(n.ID(), a)
	case cs.IsConstant():
		c.replace(n.ID(), b)
	case c.isConstant(a, 1) && c.isConstant(b, 0) &&
		cs.Bits() == n.Stamp().Bits() && cs.IsNarrowerThan(stamp.ForSigned(cs.Bits(), 0, 1)):
		c.replace(n.ID(), cond)
	default:
		return false
	}
	return true
}

func simplifyExtend(c *canonicalizer, n *graph.Node) bool {
	x := n.Input(0)
	if c.g.Stamp(x).Bits() != int(n.Aux()) {
		return false
	}
	c.replace(n.ID(), x)
	return true
}

func simplifyNarrow(c *canonicalizer, n *graph.Node) bool {
	g := c.g
	x := n.Input(0)
	if g.Stamp(x).Bits() == int(n.Aux()) {
		c.replace(n.ID(), x)
		return true
	}
	xn := g.Node(x)
	switch xn.Op() {
	case graph.OpSignExtend, graph.OpZeroExtend:
		if y := xn.Input(0); g.Stamp(y).Bits() == int(n.Aux()) {
			c.replace(n.ID(), y)
			return true
		}
	}
	return false
}

// simplifyPhi replaces a phi whose inputs, apart from itself, are all
// the same value.
func simplifyPhi(c *canonicalizer, n *graph.Node) bool {
	g := c.g
	v := graph.NoNode
	for i := 1; i < n.NumInputs(); i++ {
		in := n.Input(i)
		switch in {
		case n.ID(), v:
			continue
		}
		if v != graph.NoNode {
			return false
		}
		v = in
	}
	if v == graph.NoNode || slices.Contains(g.InputsOf(v), n.ID()) {
		return false
	}
	c.replace(n.ID(), v)
	return true
}

// simplifyDivRem drops the exception edge of a division whose divisor
// cannot be zero, and replaces divisions that no longer need to be
// performed.
func simplifyDivRem(c *canonicalizer, n *graph.Node) bool {
	g := c.g
	id := n.ID()
	x, y := n.Input(0), n.Input(1)
	ys := g.Stamp(y)
	if ys.IsEmpty() || ys.Contains(0) {
		return false
	}
	changed := false
	if g.ExceptionEdge(id) != graph.NoNode {
		log.Debugf("%s: divisor %s cannot be zero", n, ys)
		c.reduce(func() { g.RemoveExceptionEdge(id) })
		changed = true
	}

	bits := n.Stamp().Bits()
	repl := graph.NoNode
	if v, ok := n.Stamp().AsConstant(); ok {
		repl = g.Constant(bits, v)
	} else if v, ok := c.evaluate(n); ok {
		repl = g.Constant(bits, v)
	} else if d, ok := ys.AsConstant(); ok && (d == 1 || d == -1) {
		switch {
		case n.Op() == graph.OpRem:
			repl = g.Constant(bits, 0)
		case d == 1:
			repl = x
		default:
			repl = g.Add(graph.OpNeg, stamp.Neg(g.Stamp(x)), x)
		}
	}
	switch {
	case repl != graph.NoNode:
		c.replaceFixed(id, repl)
		c.stats.Folded++
	case n.NumUsages() == 0:
		c.removeFixed(id)
	default:
		return changed
	}
	return true
}

// removeIfUnused deletes fixed nodes without effects whose value is
// not used.
func removeIfUnused(c *canonicalizer, n *graph.Node) bool {
	if n.NumUsages() != 0 || n.NumSuccs() != 1 {
		return false
	}
	c.removeFixed(n.ID())
	return true
}

// simplifyIf removes the branch that a condition with a known truth
// value never takes.
func simplifyIf(c *canonicalizer, n *graph.Node) bool {
	cs := c.g.Stamp(n.Input(0))
	keep := 0
	switch {
	case cs.IsEmpty():
		return false
	case !cs.Contains(0):
	case cs.IsConstant():
		keep = 1
	default:
		return false
	}
	log.Debugf("%s: condition is %s, keeping successor %d", n, cs, keep)
	survivor := n.Succ(keep)
	c.reduce(func() { c.g.ReduceSplit(n.ID(), keep) })
	c.push(survivor)
	return true
}

// simplifyBegin removes a Begin that no longer follows a split.
func simplifyBegin(c *canonicalizer, n *graph.Node) bool {
	p := n.Pred()
	if p == graph.NoNode || c.g.Op(p) == graph.OpIf || n.NumUsages() != 0 {
		return false
	}
	c.removeFixed(n.ID())
	return true
}

// simplifyMerge removes a merge entered by a single forward end.
func simplifyMerge(c *canonicalizer, n *graph.Node) bool {
	g := c.g
	if n.NumInputs() != 1 || g.Op(n.Input(0)) != graph.OpEnd {
		return false
	}
	var users []graph.NodeID
	for _, phi := range g.Phis(n.ID()) {
		users = append(users, g.UsagesOf(phi)...)
	}
	pred := g.Node(n.Input(0)).Pred()
	log.Debugf("%s: trivial merge", n)
	c.reduce(func() { g.ReduceTrivialMerge(n.ID()) })
	c.pushAll(users)
	c.push(pred)
	return true
}
