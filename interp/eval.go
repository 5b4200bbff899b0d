package interp

import (
	"fmt"
	"slices"

	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

type evaluator struct {
	g    *graph.Graph
	env  *Env
	args []int64
	// results of fixed nodes and current values of phis
	vals map[graph.NodeID]int64
	// floating values computed since control last passed a merge
	memo map[graph.NodeID]int64
	// the exception being delivered to an ExceptionObject
	exception int64
}

// EvalGraph executes g by following its control edges from the start
// node. args supplies the values of Parameter nodes, or of OSRLocal
// nodes for a graph that enters its method in the middle; both are
// indexed by their aux value.
func EvalGraph(g *graph.Graph, args []int64, env *Env) (Outcome, error) {
	e := &evaluator{
		g:    g,
		env:  env,
		args: args,
		vals: map[graph.NodeID]int64{},
		memo: map[graph.NodeID]int64{},
	}
	return e.run()
}

func (e *evaluator) run() (Outcome, error) {
	g := e.g
	cur := g.Node(g.Start()).Next()
	for {
		if cur == graph.NoNode {
			return Outcome{}, fmt.Errorf("control flow ends without leaving the graph")
		}
		if err := e.env.step(); err != nil {
			return Outcome{}, err
		}
		n := g.Node(cur)
		next := n.Next()
		switch n.Op() {
		case graph.OpBegin, graph.OpMerge, graph.OpLoopBegin:
		case graph.OpEnd, graph.OpLoopEnd:
			m := g.MergeOf(cur)
			if err := e.enterMerge(m, cur); err != nil {
				return Outcome{}, err
			}
			next = g.Node(m).Next()
		case graph.OpIf:
			c, err := e.eval(n.Input(0))
			if err != nil {
				return Outcome{}, err
			}
			if c == 0 {
				next = n.Succ(1)
			}
		case graph.OpReturn:
			if n.NumInputs() == 0 {
				return Outcome{}, nil
			}
			v, err := e.eval(n.Input(0))
			return Outcome{Value: v}, err
		case graph.OpUnwind:
			v, err := e.eval(n.Input(0))
			return Outcome{Value: v, Thrown: true}, err
		case graph.OpDeoptimize:
			return Outcome{}, fmt.Errorf("%w at %s (reason %d)", ErrDeoptimized, n.Position(), n.Aux())
		case graph.OpExceptionObject:
			e.vals[cur] = e.exception

		case graph.OpInvoke:
			callee := n.Sym().(*bytecode.Method)
			args, err := e.inputs(n)
			if err != nil {
				return Outcome{}, err
			}
			out, err := RunMethod(callee, args, e.env)
			if err != nil {
				return Outcome{}, err
			}
			if out.Thrown {
				h, done := e.throw(n, out.Value)
				if done {
					return Outcome{Value: out.Value, Thrown: true}, nil
				}
				next = h
				break
			}
			e.vals[cur] = out.Value
		case graph.OpLoadStatic:
			e.vals[cur] = e.env.Statics[n.Sym().(*bytecode.Field)]
		case graph.OpStoreStatic:
			fd := n.Sym().(*bytecode.Field)
			v, err := e.eval(n.Input(0))
			if err != nil {
				return Outcome{}, err
			}
			e.env.Statics[fd] = stamp.SignExtend(v, fd.Kind.Bits())
		case graph.OpLoadIndexed, graph.OpStoreIndexed:
			args, err := e.inputs(n)
			if err != nil {
				return Outcome{}, err
			}
			var exc int64
			ok := true
			if n.Op() == graph.OpLoadIndexed {
				var v int64
				v, exc, ok = e.env.loadIndexed(args[0], args[1])
				e.vals[cur] = v
			} else {
				exc, ok = e.env.storeIndexed(args[0], args[1], args[2])
			}
			if !ok {
				h, done := e.throw(n, exc)
				if done {
					return Outcome{Value: exc, Thrown: true}, nil
				}
				next = h
			}
		case graph.OpDiv, graph.OpRem:
			args, err := e.inputs(n)
			if err != nil {
				return Outcome{}, err
			}
			bits := n.Stamp().Bits()
			v, ok := graph.Fold(n.Op(), 0, bits, bits, args...)
			if !ok {
				h, done := e.throw(n, ArithmeticException)
				if done {
					return Outcome{Value: ArithmeticException, Thrown: true}, nil
				}
				next = h
				break
			}
			e.vals[cur] = v
		case graph.OpReadRegister:
			e.vals[cur] = stamp.SignExtend(e.env.Registers[n.Aux()], n.Stamp().Bits())
		default:
			return Outcome{}, fmt.Errorf("cannot execute %s", n)
		}
		cur = next
	}
}

// throw delivers an exception raised by n. It returns the node control
// continues at, or reports true if the exception leaves the graph.
func (e *evaluator) throw(n *graph.Node, exc int64) (graph.NodeID, bool) {
	h := e.g.ExceptionEdge(n.ID())
	if h == graph.NoNode {
		return graph.NoNode, true
	}
	e.exception = exc
	return h, false
}

// enterMerge assigns the phis of merge their values along end.
func (e *evaluator) enterMerge(merge, end graph.NodeID) error {
	g := e.g
	i := slices.Index(g.InputsOf(merge), end)
	phis := g.Phis(merge)
	vals := make([]int64, len(phis))
	for j, phi := range phis {
		v, err := e.eval(g.Input(phi, i+1))
		if err != nil {
			return err
		}
		vals[j] = v
	}
	for j, phi := range phis {
		e.vals[phi] = vals[j]
	}
	clear(e.memo)
	return nil
}

func (e *evaluator) inputs(n *graph.Node) ([]int64, error) {
	out := make([]int64, n.NumInputs())
	for i := range out {
		v, err := e.eval(n.Input(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// eval returns the current value of a node.
func (e *evaluator) eval(id graph.NodeID) (int64, error) {
	n := e.g.Node(id)
	if n.Op().IsFixed() || n.Op() == graph.OpPhi {
		v, ok := e.vals[id]
		if !ok {
			return 0, fmt.Errorf("%s is used before it has a value", n)
		}
		return v, nil
	}
	if v, ok := e.memo[id]; ok {
		return v, nil
	}
	var v int64
	switch n.Op() {
	case graph.OpParameter, graph.OpOSRLocal:
		i := n.Aux()
		if i < 0 || i >= int64(len(e.args)) {
			return 0, fmt.Errorf("%s: no argument %d", n, i)
		}
		v = stamp.SignExtend(e.args[i], n.Stamp().Bits())
	case graph.OpConditional:
		c, err := e.eval(n.Input(0))
		if err != nil {
			return 0, err
		}
		arm := n.Input(2)
		if c != 0 {
			arm = n.Input(1)
		}
		if v, err = e.eval(arm); err != nil {
			return 0, err
		}
	default:
		args, err := e.inputs(n)
		if err != nil {
			return 0, err
		}
		inBits := n.Stamp().Bits()
		if n.NumInputs() > 0 {
			inBits = e.g.Stamp(n.Input(0)).Bits()
		}
		var ok bool
		v, ok = graph.Fold(n.Op(), n.Aux(), inBits, n.Stamp().Bits(), args...)
		if !ok {
			switch n.Op() {
			case graph.OpBitScanForward, graph.OpBitScanReverse:
				return 0, fmt.Errorf("%s of 0: %w", n.Op(), ErrUndefined)
			}
			return 0, fmt.Errorf("cannot evaluate %s", n)
		}
	}
	e.memo[id] = v
	return v, nil
}
