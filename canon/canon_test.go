package canon

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"honnef.co/go/jit/builder"
	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/config"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/interp"
	"honnef.co/go/jit/stamp"
)

var i32 = stamp.Unrestricted(32)

// returning builds a graph that returns the value produced by build
// from two 32-bit parameters.
func returning(build func(g *graph.Graph, p, q graph.NodeID) graph.NodeID) (*graph.Graph, graph.NodeID) {
	g := graph.New()
	p := g.AddAux(graph.OpParameter, i32, 0, nil)
	q := g.AddAux(graph.OpParameter, i32, 1, nil)
	ret := g.Add(graph.OpReturn, stamp.Void(), build(g, p, q))
	g.SetNext(g.Start(), ret)
	return g, ret
}

func mustVerify(t *testing.T, g *graph.Graph) {
	t.Helper()
	if err := g.Verify(); err != nil {
		t.Fatalf("verification failed: %v\n%s", err, g)
	}
}

func TestIdentities(t *testing.T) {
	type want struct {
		// node the result must be; NoNode means a constant
		id graph.NodeID
		c  int64
	}
	tests := []struct {
		name  string
		build func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want)
	}{
		{"x+0", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpAdd, i32, p, g.Constant(32, 0)), want{id: p}
		}},
		{"0+x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpAdd, i32, g.Constant(32, 0), p), want{id: p}
		}},
		{"x-x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpSub, i32, p, p), want{c: 0}
		}},
		{"x*1", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpMul, i32, p, g.Constant(32, 1)), want{id: p}
		}},
		{"0*x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpMul, i32, g.Constant(32, 0), p), want{c: 0}
		}},
		{"x&x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpAnd, i32, p, p), want{id: p}
		}},
		{"x&-1", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpAnd, i32, p, g.Constant(32, -1)), want{id: p}
		}},
		{"(x&15)&255", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			lo := g.Add(graph.OpAnd, i32, p, g.Constant(32, 15))
			return g.Add(graph.OpAnd, i32, lo, g.Constant(32, 255)), want{id: lo}
		}},
		{"x|0", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpOr, i32, p, g.Constant(32, 0)), want{id: p}
		}},
		{"x^x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpXor, i32, p, p), want{c: 0}
		}},
		{"x<<32", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpShl, i32, p, g.Constant(32, 32)), want{id: p}
		}},
		{"-(-x)", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpNeg, i32, g.Add(graph.OpNeg, i32, p)), want{id: p}
		}},
		{"^(^x)", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpNot, i32, g.Add(graph.OpNot, i32, p)), want{id: p}
		}},
		{"x==x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpEquals, stamp.Boolean(), p, p), want{c: 1}
		}},
		{"x<x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpLessThan, stamp.Boolean(), p, p), want{c: 0}
		}},
		{"c?x:x", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpConditional, i32, q, p, p), want{id: p}
		}},
		{"c?1:0", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			eq := g.Add(graph.OpEquals, stamp.Boolean(), p, q)
			return g.Add(graph.OpConditional, i32, eq, g.Constant(32, 1), g.Constant(32, 0)), want{id: eq}
		}},
		{"narrow(sext(x))", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			ext := g.AddAux(graph.OpSignExtend, stamp.Unrestricted(64), 64, nil, p)
			return g.AddAux(graph.OpNarrow, i32, 32, nil, ext), want{id: p}
		}},
		{"(x&15)<16", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			lo := g.Add(graph.OpAnd, i32, p, g.Constant(32, 15))
			return g.Add(graph.OpLessThan, stamp.Boolean(), lo, g.Constant(32, 16)), want{c: 1}
		}},
		{"(x|-16)<16", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			hi := g.Add(graph.OpOr, i32, p, g.Constant(32, -16))
			return g.Add(graph.OpLessThan, stamp.Boolean(), hi, g.Constant(32, 16)), want{c: 1}
		}},
		{"(x|-16)<u16", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			hi := g.Add(graph.OpOr, i32, p, g.Constant(32, -16))
			return g.Add(graph.OpBelow, stamp.Boolean(), hi, g.Constant(32, 16)), want{c: 0}
		}},
		{"x<ux", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpBelow, stamp.Boolean(), p, p), want{c: 0}
		}},
		{"bsr(8)", func(g *graph.Graph, p, q graph.NodeID) (graph.NodeID, want) {
			return g.Add(graph.OpBitScanReverse, i32, g.Constant(32, 8)), want{c: 3}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w want
			g, ret := returning(func(g *graph.Graph, p, q graph.NodeID) graph.NodeID {
				var v graph.NodeID
				v, w = tt.build(g, p, q)
				return v
			})
			mustVerify(t, g)
			Run(g, Options{})
			mustVerify(t, g)

			got := g.Node(g.Input(ret, 0))
			if w.id != graph.NoNode {
				if got.ID() != w.id {
					t.Errorf("result is %s, want %s\n%s", got, g.Node(w.id), g)
				}
				return
			}
			if got.Op() != graph.OpConstant || got.Aux() != w.c {
				t.Errorf("result is %s, want constant %d\n%s", got, w.c, g)
			}
		})
	}
}

func TestBitScanOfZeroIsKept(t *testing.T) {
	g, ret := returning(func(g *graph.Graph, p, q graph.NodeID) graph.NodeID {
		return g.Add(graph.OpBitScanForward, i32, g.Constant(32, 0))
	})
	Run(g, Options{})
	if op := g.Op(g.Input(ret, 0)); op != graph.OpBitScanForward {
		t.Errorf("bsf(0) was replaced by %s\n%s", op, g)
	}
}

func TestNarrowing(t *testing.T) {
	g, ret := returning(func(g *graph.Graph, p, q graph.NodeID) graph.NodeID {
		return g.Add(graph.OpAnd, i32, p, g.Constant(32, 0x70))
	})
	st := Run(g, Options{})
	and := g.Input(ret, 0)
	want := stamp.ForSigned(32, 0, 0x70)
	if got := g.Stamp(and); !got.IsNarrowerThan(want) || got.IsUnrestricted() {
		t.Errorf("stamp of %s is %s, want at most %s", g.Node(and), got, want)
	}
	if st.Narrowed == 0 {
		t.Errorf("no narrowing recorded: %s", st)
	}
}

// diamond returns
//
//	if c { x = 1 } else { x = 2 }; return x
func diamond(cond func(g *graph.Graph, p graph.NodeID) graph.NodeID) *graph.Graph {
	g := graph.New()
	p := g.AddAux(graph.OpParameter, i32, 0, nil)
	ifNode := g.Add(graph.OpIf, stamp.Void(), cond(g, p))
	g.SetNext(g.Start(), ifNode)
	tb := g.Add(graph.OpBegin, stamp.Void())
	fb := g.Add(graph.OpBegin, stamp.Void())
	g.SetSuccessor(ifNode, 0, tb)
	g.SetSuccessor(ifNode, 1, fb)
	te := g.Add(graph.OpEnd, stamp.Void())
	fe := g.Add(graph.OpEnd, stamp.Void())
	g.SetNext(tb, te)
	g.SetNext(fb, fe)
	merge := g.Add(graph.OpMerge, stamp.Void(), te, fe)
	phi := g.Add(graph.OpPhi, i32, merge, g.Constant(32, 1), g.Constant(32, 2))
	g.SetNext(merge, g.Add(graph.OpReturn, stamp.Void(), phi))
	return g
}

func count(g *graph.Graph, op graph.Op) int {
	k := 0
	for n := range g.Nodes() {
		if n.Op() == op {
			k++
		}
	}
	return k
}

func find(g *graph.Graph, op graph.Op) *graph.Node {
	for n := range g.Nodes() {
		if n.Op() == op {
			return n
		}
	}
	return nil
}

func histogram(g *graph.Graph) map[graph.Op]int {
	h := map[graph.Op]int{}
	for n := range g.Nodes() {
		h[n.Op()]++
	}
	return h
}

func TestConstantBranch(t *testing.T) {
	tests := []struct {
		cond func(g *graph.Graph, p graph.NodeID) graph.NodeID
		want int64
	}{
		{func(g *graph.Graph, p graph.NodeID) graph.NodeID {
			return g.Add(graph.OpEquals, stamp.Boolean(), g.Constant(32, 0), g.Constant(32, 0))
		}, 1},
		{func(g *graph.Graph, p graph.NodeID) graph.NodeID {
			return g.Add(graph.OpLessThan, stamp.Boolean(), p, p)
		}, 2},
		{func(g *graph.Graph, p graph.NodeID) graph.NodeID {
			// nonzero but not constant
			return g.Add(graph.OpOr, i32, p, g.Constant(32, 4))
		}, 1},
	}
	for _, tt := range tests {
		g := diamond(tt.cond)
		mustVerify(t, g)
		Run(g, Options{})
		mustVerify(t, g)

		want := map[graph.Op]int{graph.OpStart: 1, graph.OpReturn: 1, graph.OpConstant: 1}
		if diff := cmp.Diff(want, histogram(g)); diff != "" {
			t.Errorf("unexpected nodes (-want +got):\n%s\n%s", diff, g)
			continue
		}
		ret := g.Node(g.Start()).Next()
		if v := g.Node(g.Input(ret, 0)).Aux(); v != tt.want {
			t.Errorf("returns %d, want %d", v, tt.want)
		}
	}
}

func TestUnknownBranchIsKept(t *testing.T) {
	g := diamond(func(g *graph.Graph, p graph.NodeID) graph.NodeID {
		return g.Add(graph.OpEquals, stamp.Boolean(), p, g.Constant(32, 0))
	})
	Run(g, Options{})
	mustVerify(t, g)
	want := map[graph.Op]int{
		graph.OpStart:     1,
		graph.OpParameter: 1,
		graph.OpConstant:  3,
		graph.OpEquals:    1,
		graph.OpIf:        1,
		graph.OpBegin:     2,
		graph.OpEnd:       2,
		graph.OpMerge:     1,
		graph.OpPhi:       1,
		graph.OpReturn:    1,
	}
	if diff := cmp.Diff(want, histogram(g)); diff != "" {
		t.Errorf("unexpected nodes (-want +got):\n%s\n%s", diff, g)
	}
}

const progSrc = `
.field errors I

.method count(I)I
.locals 2
	iconst 0
	store 1
loop:
	load 0
	ifle done
	load 1
	load 0
	iadd
	store 1
	load 0
	iconst 1
	isub
	store 0
	goto loop
done:
	load 1
	ireturn
.end

.method deadlocal(I)I
.locals 2
	iconst 0
	store 1
loop:
	load 0
	ifle done
	load 1
	iconst 1
	iadd
	store 1
	load 0
	iconst 1
	isub
	store 0
	goto loop
done:
	iconst 7
	ireturn
.end

.method invariant(II)I
.locals 3
	iconst 0
	store 2
loop:
	load 0
	ifle done
	load 2
	load 1
	iadd
	store 2
	load 0
	iconst 1
	isub
	store 0
	goto loop
done:
	load 2
	ireturn
.end

.method safediv(II)I
start:
	load 0
	load 1
	idiv
end:
	ireturn
handler:
	pop
	getstatic errors
	iconst 1
	iadd
	putstatic errors
	iconst -1
	ireturn
.handler start end handler
.end

.method oddiv(II)I
start:
	load 0
	load 1
	iconst 1
	ior
	idiv
end:
	ireturn
handler:
	pop
	getstatic errors
	iconst 1
	iadd
	putstatic errors
	iconst -1
	ireturn
.handler start end handler
.end

.method constdiv(I)I
	iconst 12
	iconst 4
	idiv
	load 0
	iconst 1
	idiv
	iadd
	ireturn
.end

.method masked(I)I
	load 0
	iconst 15
	iand
	iconst 16
	if_icmplt small
	iconst 1
	ireturn
small:
	load 0
	iconst 0
	iadd
	ireturn
.end

.method mixed(IJ)J
	load 1
	load 0
	lshl
	load 0
	i2l
	lxor
	load 1
	iconst 3
	lushr
	land
	load 0
	ineg
	iconst 7
	irem
	i2l
	lor
	lreturn
.end
`

func program(t *testing.T) *bytecode.Program {
	t.Helper()
	p, err := bytecode.Assemble(progSrc)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func build(t *testing.T, m *bytecode.Method) *graph.Graph {
	t.Helper()
	g := graph.New()
	if err := builder.Build(g, m, config.Default(), builder.Options{}); err != nil {
		t.Fatalf("building %s: %v", m, err)
	}
	mustVerify(t, g)
	return g
}

var argsets = map[string][][]int64{
	"count":     {{0}, {1}, {10}, {-3}},
	"deadlocal": {{0}, {5}},
	"invariant": {{0, 3}, {4, 3}, {6, -2}},
	"safediv":   {{7, 2}, {7, 0}, {-9, 3}},
	"oddiv":     {{7, 2}, {7, 0}, {-9, 3}},
	"constdiv":  {{5}, {-1}},
	"masked":    {{0}, {31}, {-1}},
	"mixed":     {{1, 1 << 40}, {-5, 12345}, {31, -1}},
}

func TestEquivalence(t *testing.T) {
	p := program(t)
	for name, args := range argsets {
		m := p.Method(name)
		g := build(t, m)
		Run(g, Options{})
		mustVerify(t, g)
		for _, a := range args {
			env := interp.NewEnv()
			env.MaxSteps = 100000
			want, werr := interp.RunMethod(m, a, env)
			env = interp.NewEnv()
			env.MaxSteps = 100000
			got, gerr := interp.EvalGraph(g, a, env)
			if (werr == nil) != (gerr == nil) || want != got {
				t.Errorf("%s%v: canonical graph gives %v (%v), interpreter gives %v (%v)\n%s",
					m, a, got, gerr, want, werr, g)
			}
		}
	}
}

func TestIdempotent(t *testing.T) {
	p := program(t)
	for name := range argsets {
		g := build(t, p.Method(name))
		Run(g, Options{})
		before := histogram(g)
		if st := Run(g, Options{}); st.Changed() {
			t.Errorf("%s: second run changed the graph: %s\n%s", name, st, g)
		}
		if diff := cmp.Diff(before, histogram(g)); diff != "" {
			t.Errorf("%s: nodes changed (-first +second):\n%s", name, diff)
		}
	}
}

func TestOrderIndependence(t *testing.T) {
	p := program(t)
	for name := range argsets {
		fwd := build(t, p.Method(name))
		rev := build(t, p.Method(name))
		Run(fwd, Options{Order: Forward})
		Run(rev, Options{Order: Reverse})
		if diff := cmp.Diff(histogram(fwd), histogram(rev)); diff != "" {
			t.Errorf("%s: orders disagree (-forward +reverse):\n%s", name, diff)
		}
	}
}

func TestDivisorNotZero(t *testing.T) {
	p := program(t)

	g := build(t, p.Method("oddiv"))
	Run(g, Options{})
	var div *graph.Node
	for n := range g.Nodes() {
		if n.Op() == graph.OpDiv {
			div = n
		}
	}
	if div == nil {
		t.Fatalf("division is gone\n%s", g)
	}
	if g.ExceptionEdge(div.ID()) != graph.NoNode {
		t.Errorf("division by an odd number kept its exception edge\n%s", g)
	}
	if count(g, graph.OpExceptionObject) != 0 || count(g, graph.OpStoreStatic) != 0 {
		t.Errorf("handler survived\n%s", g)
	}

	// The divisor may be zero, so the handler stays.
	g = build(t, p.Method("safediv"))
	Run(g, Options{})
	if count(g, graph.OpExceptionObject) != 1 {
		t.Errorf("handler of a possibly failing division was removed\n%s", g)
	}

	g = build(t, p.Method("constdiv"))
	Run(g, Options{})
	if n := count(g, graph.OpDiv); n != 0 {
		t.Errorf("%d divisions left\n%s", n, g)
	}
}

func TestLoops(t *testing.T) {
	p := program(t)

	g := build(t, p.Method("count"))
	Run(g, Options{})
	if count(g, graph.OpLoopBegin) != 1 || count(g, graph.OpPhi) != 2 {
		t.Errorf("loop was not preserved\n%s", g)
	}

	// The counter of deadlocal is only used by itself.
	g = build(t, p.Method("deadlocal"))
	Run(g, Options{})
	mustVerify(t, g)
	if n := count(g, graph.OpPhi); n != 1 {
		t.Errorf("got %d phis, want 1\n%s", n, g)
	}
	if count(g, graph.OpLoopBegin) != 1 {
		t.Errorf("loop was removed\n%s", g)
	}

	// The second parameter is never assigned in the loop, so its header
	// phi collapses to the parameter itself.
	g = build(t, p.Method("invariant"))
	Run(g, Options{})
	mustVerify(t, g)
	if n := count(g, graph.OpPhi); n != 2 {
		t.Errorf("got %d phis, want 2\n%s", n, g)
	}
	add := find(g, graph.OpAdd)
	if add == nil {
		t.Fatalf("no Add\n%s", g)
	}
	if k := g.Node(add.Input(1)); k.Op() != graph.OpParameter || k.Aux() != 1 {
		t.Errorf("Add uses %s, want the second parameter\n%s", k, g)
	}
}

func TestMaskedBranch(t *testing.T) {
	p := program(t)
	g := build(t, p.Method("masked"))
	st := Run(g, Options{})
	if count(g, graph.OpIf) != 0 || count(g, graph.OpAdd) != 0 {
		t.Errorf("expected the comparison to fold and x+0 to disappear\n%s", g)
	}
	if st.Folded == 0 || st.Simplified == 0 {
		t.Errorf("unexpected stats: %s", st)
	}
}
