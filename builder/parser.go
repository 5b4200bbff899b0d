package builder

import (
	"fmt"

	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

// frameState holds the values of a method's local variables and
// operand stack at one point of the parse. NoNode marks a local that
// holds no usable value.
type frameState struct {
	locals []graph.NodeID
	stack  []graph.NodeID
}

func (f *frameState) copy() *frameState {
	return &frameState{
		locals: append([]graph.NodeID(nil), f.locals...),
		stack:  append([]graph.NodeID(nil), f.stack...),
	}
}

// slot addresses a local or an operand stack entry of a frame.
type slot struct {
	stack bool
	index int
}

func (s slot) String() string {
	if s.stack {
		return fmt.Sprintf("stack slot %d", s.index)
	}
	return fmt.Sprintf("local %d", s.index)
}

func (f *frameState) slots() []slot {
	out := make([]slot, 0, len(f.locals)+len(f.stack))
	for i := range f.locals {
		out = append(out, slot{false, i})
	}
	for i := range f.stack {
		out = append(out, slot{true, i})
	}
	return out
}

func (f *frameState) get(s slot) graph.NodeID {
	if s.stack {
		return f.stack[s.index]
	}
	return f.locals[s.index]
}

func (f *frameState) set(s slot, v graph.NodeID) {
	if s.stack {
		f.stack[s.index] = v
	} else {
		f.locals[s.index] = v
	}
}

// An edge is control flowing into a block: the first successor of
// from is still open, and frame is the state along the edge.
type edge struct {
	from  graph.NodeID
	frame *frameState
}

type blockState struct {
	// forward edges that reached the block before it was parsed
	pending []edge
	// the Merge or LoopBegin the block starts with, if any
	merge graph.NodeID
	// for loop headers, the entry frame and the slot each phi stands for
	frame *frameState
	phis  map[graph.NodeID]slot
}

type returnEdge struct {
	from  graph.NodeID
	value graph.NodeID
}

// A parser translates one method. Inlined callees get a child parser
// linked to the caller's through parent.
type parser struct {
	b      *builder
	parent *parser
	m      *bytecode.Method
	cfg    *bytecode.CFG
	depth  int
	// position of the call site this parser was inlined at
	caller *graph.Position

	blocks []*blockState
	block  *bytecode.Block
	bci    int
	// the fixed node whose first successor continues the current
	// block, or NoNode once control has left it
	last  graph.NodeID
	frame *frameState

	// normal exits of an inlined method
	returns []returnEdge
}

func (p *parser) bailout(format string, args ...any) {
	panic(&BailoutError{Method: p.m.Name, BCI: p.bci, Reason: fmt.Sprintf(format, args...)})
}

func (p *parser) position() *graph.Position {
	return &graph.Position{Method: p.m.Name, BCI: p.bci, Caller: p.caller}
}

// run parses every block reachable through entry.
func (p *parser) run(entry edge) {
	p.blocks = make([]*blockState, len(p.cfg.Blocks))
	for i := range p.blocks {
		p.blocks[i] = &blockState{}
	}
	p.blocks[0].pending = []edge{entry}
	for _, blk := range p.cfg.Blocks {
		p.parseBlock(blk)
	}
}

func (p *parser) parseBlock(blk *bytecode.Block) {
	p.block = blk
	p.bci = blk.Start
	p.b.g.SetPosition(p.position())
	if !p.enter(blk) {
		log.Debugf("%s: %s is never entered", p.m, blk)
		return
	}
	for _, ins := range blk.Instrs {
		p.bci = ins.BCI
		p.b.g.SetPosition(p.position())
		p.visit(ins)
		if p.last == graph.NoNode {
			return
		}
		if n := p.b.g.NodeCount(); n > p.b.cfg.Graph.MaxNodes {
			p.bailout("graph has %d nodes, exceeding the limit of %d", n, p.b.cfg.Graph.MaxNodes)
		}
	}
	p.jump(blk.Succs[0])
}

// enter sets up the frame and control for a block from the edges that
// reached it. It reports false if none did.
func (p *parser) enter(blk *bytecode.Block) bool {
	g := p.b.g
	st := p.blocks[blk.Index]
	edges := st.pending
	st.pending = nil
	switch {
	case len(edges) == 0:
		return false
	case blk.Loop:
		ends := make([]graph.NodeID, len(edges))
		for i, e := range edges {
			ends[i] = p.end(e.from, graph.OpEnd)
		}
		st.merge = g.Add(graph.OpLoopBegin, stamp.Void(), ends...)
		st.frame, st.phis = p.loopFrame(st.merge, edges)
		p.frame = st.frame.copy()
	case len(edges) == 1:
		p.last = edges[0].from
		p.frame = edges[0].frame
		return true
	default:
		ends := make([]graph.NodeID, len(edges))
		for i, e := range edges {
			ends[i] = p.end(e.from, graph.OpEnd)
		}
		st.merge = g.Add(graph.OpMerge, stamp.Void(), ends...)
		p.frame = p.mergeFrames(st.merge, edges)
	}
	p.last = st.merge
	return true
}

func (p *parser) end(from graph.NodeID, op graph.Op) graph.NodeID {
	e := p.b.g.Add(op, stamp.Void())
	p.b.g.SetNext(from, e)
	return e
}

func (p *parser) checkHeights(edges []edge) {
	for _, e := range edges[1:] {
		if a, b := len(edges[0].frame.stack), len(e.frame.stack); a != b {
			p.bailout("operand stack heights %d and %d meet at %s", a, b, p.block)
		}
	}
}

// mergeFrames returns the frame at a merge. Slots that hold the same
// value along every edge keep it, slots that hold different values of
// the same width get a phi, and other locals become unusable.
func (p *parser) mergeFrames(merge graph.NodeID, edges []edge) *frameState {
	g := p.b.g
	p.checkHeights(edges)
	out := edges[0].frame.copy()
	values := make([]graph.NodeID, len(edges))
	for _, s := range out.slots() {
		first := edges[0].frame.get(s)
		same, ok := true, first != graph.NoNode
		for i, e := range edges {
			v := e.frame.get(s)
			values[i] = v
			if v != first {
				same = false
			}
			if v == graph.NoNode || (ok && g.Stamp(v).Bits() != g.Stamp(first).Bits()) {
				ok = false
			}
		}
		switch {
		case same:
		case !ok:
			if s.stack {
				p.bailout("incompatible values in %s at %s", s, p.block)
			}
			out.set(s, graph.NoNode)
		default:
			st := stamp.Empty(g.Stamp(first).Bits())
			for _, v := range values {
				st = stamp.Join(st, g.Stamp(v))
			}
			out.set(s, g.Add(graph.OpPhi, st, append([]graph.NodeID{merge}, values...)...))
		}
	}
	return out
}

// loopFrame returns the frame at a loop header, with a phi for every
// slot that holds a value of the same width along every forward edge.
// The phis start out unrestricted; their back edge values are not
// known yet.
func (p *parser) loopFrame(merge graph.NodeID, edges []edge) (*frameState, map[graph.NodeID]slot) {
	g := p.b.g
	p.checkHeights(edges)
	out := edges[0].frame.copy()
	phis := map[graph.NodeID]slot{}
	for _, s := range out.slots() {
		first := edges[0].frame.get(s)
		inputs := []graph.NodeID{merge}
		ok := first != graph.NoNode
		for _, e := range edges {
			v := e.frame.get(s)
			if v == graph.NoNode || (ok && g.Stamp(v).Bits() != g.Stamp(first).Bits()) {
				ok = false
				break
			}
			inputs = append(inputs, v)
		}
		if !ok {
			if s.stack {
				p.bailout("incompatible values in %s at loop header %s", s, p.block)
			}
			out.set(s, graph.NoNode)
			continue
		}
		phi := g.Add(graph.OpPhi, stamp.Unrestricted(g.Stamp(first).Bits()), inputs...)
		out.set(s, phi)
		phis[phi] = s
	}
	return out, phis
}

// loopEnd closes a back edge to an already parsed loop header.
func (p *parser) loopEnd(header *bytecode.Block, from graph.NodeID, f *frameState) {
	g := p.b.g
	st := p.blocks[header.Index]
	if len(f.stack) != len(st.frame.stack) {
		p.bailout("operand stack height %d on back edge to %s, want %d", len(f.stack), header, len(st.frame.stack))
	}
	values := make(map[graph.NodeID]graph.NodeID, len(st.phis))
	for phi, s := range st.phis {
		v := f.get(s)
		if v == graph.NoNode || g.Stamp(v).Bits() != g.Stamp(phi).Bits() {
			p.bailout("incompatible value in %s on back edge to %s", s, header)
		}
		values[phi] = v
	}
	end := p.end(from, graph.OpLoopEnd)
	g.AddEnd(st.merge, end, func(phi graph.NodeID) graph.NodeID { return values[phi] })
}

// edge records control flowing from the open first successor of from
// into target.
func (p *parser) edge(target *bytecode.Block, from graph.NodeID, f *frameState) {
	st := p.blocks[target.Index]
	if target.Index <= p.block.Index {
		if !target.Loop || st.merge == graph.NoNode {
			panic(&graph.InvariantViolation{Msg: fmt.Sprintf("%s: back edge to %s, which has no loop state", p.m, target)})
		}
		p.loopEnd(target, from, f)
		return
	}
	st.pending = append(st.pending, edge{from: from, frame: f})
}

// jump ends the current block with control flowing to target.
func (p *parser) jump(target *bytecode.Block) {
	p.edge(target, p.last, p.frame)
	p.last = graph.NoNode
	p.frame = nil
}

// deoptimize ends control after from with a deoptimization.
func (p *parser) deoptimize(from graph.NodeID, reason int64) {
	d := p.b.g.AddAux(graph.OpDeoptimize, stamp.Void(), reason, nil)
	p.b.g.SetNext(from, d)
}
