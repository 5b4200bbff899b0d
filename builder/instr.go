package builder

import (
	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/config"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

func (p *parser) push(v graph.NodeID) { p.frame.stack = append(p.frame.stack, v) }

// pop removes the top of the operand stack. If bits is not zero, the
// value must have that width.
func (p *parser) pop(bits int) graph.NodeID {
	n := len(p.frame.stack)
	if n == 0 {
		p.bailout("operand stack underflow")
	}
	v := p.frame.stack[n-1]
	p.frame.stack = p.frame.stack[:n-1]
	if w := p.b.g.Stamp(v).Bits(); bits != 0 && w != bits {
		p.bailout("expected a %d-bit operand, got a %d-bit one", bits, w)
	}
	return v
}

// value adds a floating node whose stamp is inferred from its inputs.
func (p *parser) value(op graph.Op, bits int, aux int64, inputs ...graph.NodeID) graph.NodeID {
	g := p.b.g
	ins := make([]stamp.Stamp, len(inputs))
	for i, in := range inputs {
		ins[i] = g.Stamp(in)
	}
	st := graph.Infer(op, aux, ins, stamp.Unrestricted(bits))
	return g.AddAux(op, st, aux, nil, inputs...)
}

// appendFixed links a fixed node into the control chain after the
// current one. Nodes that can throw get an exception edge to the
// handler covering the current instruction, if there is one.
func (p *parser) appendFixed(n graph.NodeID) {
	g := p.b.g
	g.SetNext(p.last, n)
	p.last = n
	if g.Op(n).CanThrow() {
		p.exceptionEdge(n)
	}
}

func (p *parser) exceptionEdge(n graph.NodeID) {
	g := p.b.g
	if _, ok := p.m.HandlerFor(p.bci); !ok {
		return
	}
	if p.b.optimistic(config.UseExceptionProbability) {
		if c, ok := p.b.opts.Profile.At(p.m, p.bci); ok && c.Executed > 0 && c.Thrown == 0 {
			d := g.AddAux(graph.OpDeoptimize, stamp.Void(), graph.DeoptException, nil)
			g.AddExceptionEdge(n, d)
			return
		}
	}
	ex := g.Add(graph.OpExceptionObject, stamp.Unrestricted(64))
	g.AddExceptionEdge(n, ex)
	f := &frameState{
		locals: append([]graph.NodeID(nil), p.frame.locals...),
		stack:  []graph.NodeID{ex},
	}
	p.edge(p.block.Handler, ex, f)
}

var binaryOps = map[bytecode.Opcode]graph.Op{
	bytecode.IAdd: graph.OpAdd, bytecode.LAdd: graph.OpAdd,
	bytecode.ISub: graph.OpSub, bytecode.LSub: graph.OpSub,
	bytecode.IMul: graph.OpMul, bytecode.LMul: graph.OpMul,
	bytecode.IAnd: graph.OpAnd, bytecode.LAnd: graph.OpAnd,
	bytecode.IOr: graph.OpOr, bytecode.LOr: graph.OpOr,
	bytecode.IXor: graph.OpXor, bytecode.LXor: graph.OpXor,
	bytecode.IShl: graph.OpShl, bytecode.LShl: graph.OpShl,
	bytecode.IShr: graph.OpShr, bytecode.LShr: graph.OpShr,
	bytecode.IUShr: graph.OpUShr, bytecode.LUShr: graph.OpUShr,
	bytecode.IDiv: graph.OpDiv, bytecode.LDiv: graph.OpDiv,
	bytecode.IRem: graph.OpRem, bytecode.LRem: graph.OpRem,
}

func width(op bytecode.Opcode) int {
	switch op {
	case bytecode.LAdd, bytecode.LSub, bytecode.LMul, bytecode.LDiv, bytecode.LRem,
		bytecode.LAnd, bytecode.LOr, bytecode.LXor, bytecode.LShl, bytecode.LShr,
		bytecode.LUShr, bytecode.LNeg, bytecode.LReturn:
		return 64
	}
	return 32
}

func (p *parser) visit(ins bytecode.Instruction) {
	g := p.b.g
	switch op := ins.Op; op {
	case bytecode.Nop:
	case bytecode.IConst:
		p.push(g.Constant(32, ins.Arg))
	case bytecode.LConst:
		p.push(g.Constant(64, ins.Arg))
	case bytecode.Load:
		v := p.frame.locals[ins.Arg]
		if v == graph.NoNode {
			p.bailout("local %d holds no usable value", ins.Arg)
		}
		p.push(v)
	case bytecode.Store:
		p.frame.locals[ins.Arg] = p.pop(0)

	case bytecode.IShl, bytecode.IShr, bytecode.IUShr, bytecode.LShl, bytecode.LShr, bytecode.LUShr:
		// shift counts are always ints
		s := p.pop(32)
		x := p.pop(width(op))
		p.push(p.value(binaryOps[op], width(op), 0, x, s))
	case bytecode.IDiv, bytecode.IRem, bytecode.LDiv, bytecode.LRem:
		bits := width(op)
		y := p.pop(bits)
		x := p.pop(bits)
		gop := binaryOps[op]
		st := graph.Infer(gop, 0, []stamp.Stamp{g.Stamp(x), g.Stamp(y)}, stamp.Unrestricted(bits))
		n := g.Add(gop, st, x, y)
		p.appendFixed(n)
		p.push(n)
	case bytecode.IAdd, bytecode.ISub, bytecode.IMul, bytecode.IAnd, bytecode.IOr, bytecode.IXor,
		bytecode.LAdd, bytecode.LSub, bytecode.LMul, bytecode.LAnd, bytecode.LOr, bytecode.LXor:
		bits := width(op)
		y := p.pop(bits)
		x := p.pop(bits)
		p.push(p.value(binaryOps[op], bits, 0, x, y))
	case bytecode.INeg, bytecode.LNeg:
		bits := width(op)
		p.push(p.value(graph.OpNeg, bits, 0, p.pop(bits)))

	case bytecode.I2L:
		p.push(p.value(graph.OpSignExtend, 64, 64, p.pop(32)))
	case bytecode.L2I:
		p.push(p.value(graph.OpNarrow, 32, 32, p.pop(64)))
	case bytecode.LCmp:
		y := p.pop(64)
		x := p.pop(64)
		lt := p.value(graph.OpLessThan, 32, 0, x, y)
		eq := p.value(graph.OpEquals, 32, 0, x, y)
		ge := p.value(graph.OpConditional, 32, 0, eq, g.Constant(32, 0), g.Constant(32, 1))
		p.push(p.value(graph.OpConditional, 32, 0, lt, g.Constant(32, -1), ge))

	case bytecode.IfEq, bytecode.IfNe, bytecode.IfLt, bytecode.IfGe, bytecode.IfGt, bytecode.IfLe:
		x := p.pop(32)
		p.branch(ins, x, g.Constant(32, 0))
	case bytecode.IfICmpEq, bytecode.IfICmpNe, bytecode.IfICmpLt, bytecode.IfICmpGe, bytecode.IfICmpGt, bytecode.IfICmpLe:
		y := p.pop(32)
		x := p.pop(32)
		p.branch(ins, x, y)
	case bytecode.Goto:
		p.jump(p.block.Succs[0])

	case bytecode.IReturn, bytecode.LReturn:
		want := bytecode.Int
		if op == bytecode.LReturn {
			want = bytecode.Long
		}
		if p.m.Result != want {
			p.bailout("%s in a method returning %s", op, p.m.Result)
		}
		p.ret(p.pop(width(op)))
	case bytecode.Return:
		if p.m.Result != bytecode.Void {
			p.bailout("%s in a method returning %s", op, p.m.Result)
		}
		p.ret(graph.NoNode)

	case bytecode.Pop:
		p.pop(0)
	case bytecode.Dup:
		v := p.pop(0)
		p.push(v)
		p.push(v)
	case bytecode.Swap:
		y := p.pop(0)
		x := p.pop(0)
		p.push(y)
		p.push(x)

	case bytecode.GetStatic:
		fd := p.m.Fields[ins.Arg]
		n := g.AddAux(graph.OpLoadStatic, stamp.Unrestricted(fd.Kind.Bits()), 0, fd)
		p.appendFixed(n)
		p.push(n)
	case bytecode.PutStatic:
		fd := p.m.Fields[ins.Arg]
		v := p.pop(fd.Kind.Bits())
		p.appendFixed(g.AddAux(graph.OpStoreStatic, stamp.Void(), 0, fd, v))
	case bytecode.IALoad:
		idx := p.pop(32)
		arr := p.pop(64)
		n := g.Add(graph.OpLoadIndexed, stamp.Unrestricted(32), arr, idx)
		p.appendFixed(n)
		p.push(n)
	case bytecode.IAStore:
		v := p.pop(32)
		idx := p.pop(32)
		arr := p.pop(64)
		p.appendFixed(g.Add(graph.OpStoreIndexed, stamp.Void(), arr, idx, v))
	case bytecode.InvokeStatic:
		p.invoke(p.m.Callees[ins.Arg])
	case bytecode.AThrow:
		ex := p.pop(64)
		if _, ok := p.m.HandlerFor(p.bci); ok {
			f := &frameState{
				locals: append([]graph.NodeID(nil), p.frame.locals...),
				stack:  []graph.NodeID{ex},
			}
			p.edge(p.block.Handler, p.last, f)
		} else {
			p.appendFixed(g.Add(graph.OpUnwind, stamp.Void(), ex))
		}
		p.last = graph.NoNode
		p.frame = nil
	default:
		p.bailout("unsupported instruction %s", op)
	}
}

// branch ends the block with a two-way branch on comparing x and y.
func (p *parser) branch(ins bytecode.Instruction, x, y graph.NodeID) {
	g := p.b.g
	var cond graph.NodeID
	negate := false
	switch ins.Op {
	case bytecode.IfEq, bytecode.IfICmpEq:
		cond = p.value(graph.OpEquals, 32, 0, x, y)
	case bytecode.IfNe, bytecode.IfICmpNe:
		cond = p.value(graph.OpEquals, 32, 0, x, y)
		negate = true
	case bytecode.IfLt, bytecode.IfICmpLt:
		cond = p.value(graph.OpLessThan, 32, 0, x, y)
	case bytecode.IfGe, bytecode.IfICmpGe:
		cond = p.value(graph.OpLessThan, 32, 0, x, y)
		negate = true
	case bytecode.IfGt, bytecode.IfICmpGt:
		cond = p.value(graph.OpLessThan, 32, 0, y, x)
	case bytecode.IfLe, bytecode.IfICmpLe:
		cond = p.value(graph.OpLessThan, 32, 0, y, x)
		negate = true
	}
	n := g.Add(graph.OpIf, stamp.Void(), cond)
	g.SetNext(p.last, n)
	t, f := g.Add(graph.OpBegin, stamp.Void()), g.Add(graph.OpBegin, stamp.Void())
	g.SetSuccessor(n, 0, t)
	g.SetSuccessor(n, 1, f)
	taken, notTaken := t, f
	if negate {
		taken, notTaken = f, t
	}

	takenDead, notTakenDead := false, false
	if p.b.optimistic(config.RemoveNeverExecutedCode) {
		if c, ok := p.b.opts.Profile.At(p.m, ins.BCI); ok && c.Executed > 0 {
			takenDead = c.Taken == 0
			notTakenDead = c.Taken == c.Executed
		}
	}
	succs := p.block.Succs
	if takenDead {
		p.deoptimize(taken, graph.DeoptNeverExecuted)
	} else {
		p.edge(succs[0], taken, p.frame.copy())
	}
	if notTakenDead {
		p.deoptimize(notTaken, graph.DeoptNeverExecuted)
	} else {
		p.edge(succs[1], notTaken, p.frame)
	}
	p.last = graph.NoNode
	p.frame = nil
}

// ret ends the block with a return of v, or of nothing if v is NoNode.
func (p *parser) ret(v graph.NodeID) {
	g := p.b.g
	if p.parent != nil {
		p.returns = append(p.returns, returnEdge{from: p.last, value: v})
		p.last = graph.NoNode
		return
	}
	var r graph.NodeID
	if v != graph.NoNode {
		r = g.Add(graph.OpReturn, stamp.Void(), v)
	} else {
		r = g.Add(graph.OpReturn, stamp.Void())
	}
	g.SetNext(p.last, r)
	p.last = graph.NoNode
}
