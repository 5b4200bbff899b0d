package builder

import (
	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/config"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

func (p *parser) invoke(callee *bytecode.Method) {
	args := make([]graph.NodeID, len(callee.Params))
	for i := len(args) - 1; i >= 0; i-- {
		args[i] = p.pop(callee.Params[i].Bits())
	}
	if p.intrinsic(callee, args) || p.inline(callee, args) {
		return
	}
	st := stamp.Void()
	if callee.Result != bytecode.Void {
		st = stamp.Unrestricted(callee.Result.Bits())
	}
	n := p.b.g.AddAux(graph.OpInvoke, st, 0, callee, args...)
	p.appendFixed(n)
	if callee.Result != bytecode.Void {
		p.push(n)
	}
}

// intrinsic replaces a call to a method with a native implementation
// by the nodes computing its result. It reports false if it didn't.
func (p *parser) intrinsic(callee *bytecode.Method, args []graph.NodeID) bool {
	if !p.b.cfg.Intrinsics.Enabled || callee.Intrinsic == "" || callee == p.b.opts.IntrinsicContext {
		return false
	}
	g := p.b.g
	sig := callee.Signature()
	switch callee.Intrinsic {
	case "bsr32", "bsr64", "bsf32", "bsf64":
		want := "(I)I"
		if callee.Intrinsic[3:] == "64" {
			want = "(J)I"
		}
		if sig != want {
			return false
		}
		op := graph.OpBitScanReverse
		if callee.Intrinsic[:3] == "bsf" {
			op = graph.OpBitScanForward
		}
		p.push(p.value(op, 32, 0, args[0]))
	case "rdpkru":
		if sig != "()I" {
			return false
		}
		n := g.AddAux(graph.OpReadRegister, stamp.Unrestricted(32), graph.RegisterPKRU, nil)
		p.appendFixed(n)
		p.push(n)
	default:
		return false
	}
	log.Debugf("%s@%d: substituted intrinsic %s", p.m, p.bci, callee.Intrinsic)
	return true
}

// inline parses callee in place of a call to it. It reports false if
// the call doesn't qualify for inlining.
func (p *parser) inline(callee *bytecode.Method, args []graph.NodeID) bool {
	c := p.b.cfg.Inlining
	if !c.Enabled || p.depth >= c.MaxDepth || len(callee.Code) == 0 {
		return false
	}
	// An inlined method's exceptions leave the compilation unit
	// without passing through the caller's handlers.
	if _, covered := p.m.HandlerFor(p.bci); covered {
		return false
	}
	for q := p; q != nil; q = q.parent {
		if q.m == callee {
			return false
		}
	}
	limit := c.MaxCalleeSize
	if prof := p.b.opts.Profile; p.b.optimistic(config.ProfileGuidedInlining) && prof.Covers(p.m) {
		counts, ok := prof.At(p.m, p.bci)
		if !ok || counts.Executed == 0 {
			log.Debugf("%s@%d: not inlining %s, the call never executed", p.m, p.bci, callee)
			return false
		}
		if counts.Executed >= hotCallCount {
			limit *= 2
		}
	}
	if len(callee.Code) > limit {
		return false
	}
	cfg, err := bytecode.BuildBlocks(callee, 0)
	if err != nil {
		log.Debugf("%s@%d: not inlining %s: %s", p.m, p.bci, callee, err)
		return false
	}
	log.Debugf("%s@%d: inlining %s at depth %d", p.m, p.bci, callee, p.depth+1)

	child := &parser{
		b:      p.b,
		parent: p,
		m:      callee,
		cfg:    cfg,
		depth:  p.depth + 1,
		caller: p.position(),
	}
	locals := make([]graph.NodeID, callee.MaxLocals)
	copy(locals, args)
	child.run(edge{from: p.last, frame: &frameState{locals: locals}})

	p.b.g.SetPosition(p.position())
	last, result := child.joinReturns()
	p.last = last
	if last != graph.NoNode && callee.Result != bytecode.Void {
		p.push(result)
	}
	return true
}

// joinReturns merges the normal exits of an inlined method. It returns
// the node control continues after and the returned value, or NoNode
// for a method that never returns.
func (p *parser) joinReturns() (graph.NodeID, graph.NodeID) {
	g := p.b.g
	switch len(p.returns) {
	case 0:
		return graph.NoNode, graph.NoNode
	case 1:
		return p.returns[0].from, p.returns[0].value
	}
	ends := make([]graph.NodeID, len(p.returns))
	values := make([]graph.NodeID, len(p.returns))
	same := true
	for i, r := range p.returns {
		ends[i] = p.end(r.from, graph.OpEnd)
		values[i] = r.value
		if r.value != values[0] {
			same = false
		}
	}
	merge := g.Add(graph.OpMerge, stamp.Void(), ends...)
	if p.m.Result == bytecode.Void || same {
		return merge, values[0]
	}
	st := stamp.Empty(p.m.Result.Bits())
	for _, v := range values {
		st = stamp.Join(st, g.Stamp(v))
	}
	return merge, g.Add(graph.OpPhi, st, append([]graph.NodeID{merge}, values...)...)
}
