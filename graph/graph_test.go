package graph

import (
	"errors"
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"honnef.co/go/jit/stamp"
)

var i32 = stamp.Unrestricted(32)

func expectViolation(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected an invariant violation")
		}
		var iv *InvariantViolation
		if err, ok := r.(error); !ok || !errors.As(err, &iv) {
			t.Fatalf("expected an invariant violation, got %v", r)
		}
	}()
	f()
}

func mustVerify(t *testing.T, g *Graph) {
	t.Helper()
	if err := g.Verify(); err != nil {
		t.Fatalf("graph fails verification: %v\n%s", err, g)
	}
}

func TestAddRejectsMissingInput(t *testing.T) {
	g := New()
	expectViolation(t, func() { g.Add(OpNeg, i32, NodeID(42)) })
	expectViolation(t, func() { g.Add(OpNeg, i32, NoNode) })
	expectViolation(t, func() { g.Add(OpAdd, i32, g.Constant(32, 1)) })

	x := g.Constant(32, 1)
	y := g.Add(OpNeg, i32, x)
	g.Remove(y)
	expectViolation(t, func() { g.Add(OpNeg, i32, y) })
}

func TestRemove(t *testing.T) {
	g := New()
	x := g.AddAux(OpParameter, i32, 0, nil)
	y := g.Add(OpAdd, i32, x, x)
	expectViolation(t, func() { g.Remove(x) })

	ret := g.Add(OpReturn, stamp.Void(), y)
	g.SetNext(g.Start(), ret)
	expectViolation(t, func() { g.Remove(ret) })
	expectViolation(t, func() { g.Remove(g.Start()) })

	g.SetNext(g.Start(), NoNode)
	g.Remove(ret)
	g.Remove(y)
	if n := g.Node(x).NumUsages(); n != 0 {
		t.Fatalf("x has %d usages after removing its user", n)
	}
	g.Remove(x)
	mustVerify(t, g)
	if g.NodeCount() != 1 {
		t.Fatalf("got %d nodes, want only the start node", g.NodeCount())
	}
}

func TestReplaceAtUsages(t *testing.T) {
	g := New()
	a := g.AddAux(OpParameter, i32, 0, nil)
	b := g.AddAux(OpParameter, i32, 1, nil)
	sum := g.Add(OpAdd, i32, a, a)
	neg := g.Add(OpNeg, i32, a)

	g.ReplaceAtUsages(a, b)
	mustVerify(t, g)
	if diff := cmp.Diff([]NodeID{b, b}, g.InputsOf(sum)); diff != "" {
		t.Errorf("inputs of sum (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]NodeID{sum, sum, neg}, g.UsagesOf(b)); diff != "" {
		t.Errorf("usages of b (-want +got):\n%s", diff)
	}
	if g.Node(a).NumUsages() != 0 {
		t.Errorf("a still has usages")
	}
	g.Remove(a)
	mustVerify(t, g)
}

func TestSequences(t *testing.T) {
	g := New()
	a := g.AddAux(OpParameter, i32, 0, nil)
	c := g.Constant(32, 7)
	sum := g.Add(OpAdd, i32, a, c)

	got := slices.Collect(g.Inputs(sum))
	if diff := cmp.Diff([]NodeID{a, c}, got); diff != "" {
		t.Errorf("inputs (-want +got):\n%s", diff)
	}
	// Sequences are restartable.
	if again := slices.Collect(g.Inputs(sum)); !slices.Equal(got, again) {
		t.Errorf("second traversal yielded %v, want %v", again, got)
	}

	expectViolation(t, func() {
		for range g.Usages(a) {
			g.Add(OpNeg, i32, a)
		}
	})
	// A finished or abandoned traversal no longer blocks mutation.
	for range g.Usages(a) {
		break
	}
	g.Add(OpNeg, i32, a)
}

func TestConstantsAreUnique(t *testing.T) {
	g := New()
	a := g.Constant(32, -1)
	if b := g.Constant(32, 0xFFFFFFFF); a != b {
		t.Errorf("constants -1 and 0xFFFFFFFF differ in 32 bits: %s, %s", a, b)
	}
	if c := g.Constant(64, -1); c == a {
		t.Errorf("constants of different widths were shared")
	}
	g.Remove(a)
	if d := g.Constant(32, -1); d == a || !g.Has(d) {
		t.Errorf("removed constant was reused")
	}
}

func TestSetStamp(t *testing.T) {
	g := New()
	a := g.AddAux(OpParameter, i32, 0, nil)
	g.SetStamp(a, stamp.ForSigned(32, 0, 10))
	if got := g.Stamp(a); got != stamp.ForSigned(32, 0, 10) {
		t.Errorf("stamp = %v", got)
	}
	expectViolation(t, func() { g.SetStamp(a, stamp.Unrestricted(64)) })
}

// diamond builds
//
//	if p0 { x = 1 } else { x = 2 }; return x
func diamond(t *testing.T) (g *Graph, ifNode, merge, phi NodeID) {
	g = New()
	p := g.AddAux(OpParameter, i32, 0, nil)
	cond := g.Add(OpEquals, stamp.Boolean(), p, g.Constant(32, 0))
	ifNode = g.Add(OpIf, stamp.Void(), cond)
	g.SetNext(g.Start(), ifNode)
	tb := g.Add(OpBegin, stamp.Void())
	fb := g.Add(OpBegin, stamp.Void())
	g.SetSuccessor(ifNode, 0, tb)
	g.SetSuccessor(ifNode, 1, fb)
	te := g.Add(OpEnd, stamp.Void())
	fe := g.Add(OpEnd, stamp.Void())
	g.SetNext(tb, te)
	g.SetNext(fb, fe)
	merge = g.Add(OpMerge, stamp.Void(), te, fe)
	phi = g.Add(OpPhi, stamp.ForSigned(32, 1, 2), merge, g.Constant(32, 1), g.Constant(32, 2))
	ret := g.Add(OpReturn, stamp.Void(), phi)
	g.SetNext(merge, ret)
	mustVerify(t, g)
	return g, ifNode, merge, phi
}

func TestKillCFG(t *testing.T) {
	g, ifNode, merge, phi := diamond(t)
	fb := g.Node(ifNode).Succ(1)
	g.SetSuccessor(ifNode, 1, NoNode)
	g.KillCFG(fb)

	if g.Has(fb) {
		t.Fatal("killed branch survived")
	}
	if n := g.Node(merge).NumInputs(); n != 1 {
		t.Fatalf("merge has %d ends, want 1", n)
	}
	if n := g.Node(phi).NumInputs(); n != 2 {
		t.Fatalf("phi has %d inputs, want merge and one value", n)
	}
	if v, _ := g.Stamp(g.Input(phi, 1)).AsConstant(); v != 1 {
		t.Fatalf("phi kept value %d, want 1", v)
	}
	// The constant 2 was only used by the phi.
	for n := range g.Nodes() {
		if n.Op() == OpConstant && n.Aux() == 2 {
			t.Errorf("unused constant 2 survived")
		}
	}
}

func TestReduceSplitAndTrivialMerge(t *testing.T) {
	g, ifNode, merge, phi := diamond(t)
	ret := g.Node(merge).Next()

	g.ReduceSplit(ifNode, 0)
	mustVerify(t, g)
	g.ReduceTrivialMerge(merge)
	mustVerify(t, g)

	if g.Has(phi) || g.Has(merge) || g.Has(ifNode) {
		t.Fatal("merge, phi or if survived")
	}
	// Start -> Begin -> Return 1
	begin := g.Node(g.Start()).Next()
	if g.Op(begin) != OpBegin || g.Node(begin).Next() != ret {
		t.Fatalf("unexpected control chain:\n%s", g)
	}
	if v, _ := g.Stamp(g.Input(ret, 0)).AsConstant(); v != 1 {
		t.Fatalf("return value is %d, want 1", v)
	}
	g.RemoveFixed(begin)
	mustVerify(t, g)
	if g.Node(g.Start()).Next() != ret {
		t.Fatalf("begin was not spliced out:\n%s", g)
	}
	if r := g.Reachable(); r.Len() != g.NodeCount() {
		t.Errorf("%d of %d nodes reachable:\n%s", r.Len(), g.NodeCount(), g)
	}
}

func TestKillLoop(t *testing.T) {
	// start -> if p { loop: x = phi(0, x+1); goto loop } else return 0
	g := New()
	p := g.AddAux(OpParameter, i32, 0, nil)
	ifNode := g.Add(OpIf, stamp.Void(), p)
	g.SetNext(g.Start(), ifNode)
	tb, fb := g.Add(OpBegin, stamp.Void()), g.Add(OpBegin, stamp.Void())
	g.SetSuccessor(ifNode, 0, tb)
	g.SetSuccessor(ifNode, 1, fb)
	g.SetNext(fb, g.Add(OpReturn, stamp.Void(), g.Constant(32, 0)))
	entry := g.Add(OpEnd, stamp.Void())
	g.SetNext(tb, entry)
	loop := g.Add(OpLoopBegin, stamp.Void(), entry)
	phi := g.Add(OpPhi, i32, loop, g.Constant(32, 0))
	inc := g.Add(OpAdd, i32, phi, g.Constant(32, 1))
	back := g.Add(OpLoopEnd, stamp.Void())
	g.SetNext(loop, back)
	g.AddEnd(loop, back, func(NodeID) NodeID { return inc })
	mustVerify(t, g)

	before := g.NodeCount()
	g.ReduceSplit(ifNode, 1)
	mustVerify(t, g)
	for _, id := range []NodeID{loop, phi, inc, back, entry, tb} {
		if g.Has(id) {
			t.Errorf("%s survived killing the loop", id)
		}
	}
	if g.NodeCount() >= before {
		t.Errorf("node count did not shrink")
	}
}

func TestExceptionEdge(t *testing.T) {
	g := New()
	x := g.AddAux(OpParameter, i32, 0, nil)
	div := g.Add(OpDiv, i32, x, g.Constant(32, 2))
	g.SetNext(g.Start(), div)
	g.SetNext(div, g.Add(OpReturn, stamp.Void(), div))
	ex := g.Add(OpExceptionObject, stamp.Unrestricted(64))
	g.AddExceptionEdge(div, ex)
	g.SetNext(ex, g.Add(OpUnwind, stamp.Void(), ex))
	mustVerify(t, g)
	expectViolation(t, func() { g.AddExceptionEdge(div, ex) })

	if g.ExceptionEdge(div) != ex {
		t.Fatal("exception edge not recorded")
	}
	ret := g.Node(div).Next()
	g.ReplaceAtUsages(div, x)
	g.RemoveFixed(div)
	mustVerify(t, g)
	if g.Has(ex) {
		t.Errorf("exception handler survived removal of the throwing node")
	}
	if g.Node(g.Start()).Next() != ret {
		t.Errorf("div not spliced out")
	}
}

func TestTruncate(t *testing.T) {
	g := New()
	x := g.AddAux(OpParameter, i32, 0, nil)
	mark := g.Mark()
	y := g.Add(OpNeg, i32, x)
	ret := g.Add(OpReturn, stamp.Void(), y)
	g.SetNext(g.Start(), ret)
	g.Truncate(mark)
	mustVerify(t, g)
	if g.Has(y) || g.Has(ret) {
		t.Fatal("nodes added after the mark survived")
	}
	if g.Node(x).NumUsages() != 0 || g.Node(g.Start()).Next() != NoNode {
		t.Fatal("edges to truncated nodes survived")
	}
	if r := g.Reachable(); r.Len() != 1 {
		t.Fatalf("%d nodes reachable, want only start", r.Len())
	}
	// ids are reused
	if z := g.Add(OpNeg, i32, x); z != y {
		t.Errorf("new node got id %s, want %s", z, y)
	}
}

func TestFprint(t *testing.T) {
	g, _, _, _ := diamond(t)
	out := g.String()
	for _, want := range []string{"v1 = Start -> v", "= If v", "= Phi v", "= Return v"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing lacks %q:\n%s", want, out)
		}
	}
	var sb strings.Builder
	if err := Dot(&sb, g); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sb.String(), "digraph G {") {
		t.Errorf("unexpected dot output:\n%s", sb.String())
	}
}

func TestFold(t *testing.T) {
	tests := []struct {
		op      Op
		in, out int
		args    []int64
		want    int64
		ok      bool
	}{
		{OpAdd, 32, 32, []int64{0x7FFFFFFF, 1}, -0x80000000, true},
		{OpShl, 32, 32, []int64{1, 33}, 2, true},
		{OpUShr, 32, 32, []int64{-1, 28}, 0xF, true},
		{OpShr, 32, 32, []int64{-16, 2}, -4, true},
		{OpBelow, 32, 32, []int64{-1, 1}, 0, true},
		{OpLessThan, 32, 32, []int64{-1, 1}, 1, true},
		{OpDiv, 32, 32, []int64{-0x80000000, -1}, -0x80000000, true},
		{OpDiv, 32, 32, []int64{1, 0}, 0, false},
		{OpRem, 64, 64, []int64{-7, 2}, -1, true},
		{OpBitScanReverse, 32, 32, []int64{8}, 3, true},
		{OpBitScanReverse, 32, 32, []int64{0}, 0, false},
		{OpZeroExtend, 32, 64, []int64{-1}, 0xFFFFFFFF, true},
		{OpNarrow, 64, 8, []int64{0x1FF}, -1, true},
	}
	for _, tt := range tests {
		got, ok := Fold(tt.op, 0, tt.in, tt.out, tt.args...)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("Fold(%s, %v) = %d, %t; want %d, %t", tt.op, tt.args, got, ok, tt.want, tt.ok)
		}
	}
}

// FuzzEdgeConsistency applies random sequences of mutations and checks
// that usages always mirror inputs.
func FuzzEdgeConsistency(f *testing.F) {
	f.Add(int64(1), uint8(50))
	f.Add(int64(7), uint8(200))
	f.Add(int64(-3), uint8(120))
	f.Fuzz(func(t *testing.T, seed int64, steps uint8) {
		r := rand.New(rand.NewSource(seed))
		g := New()
		var live []NodeID
		pick := func() NodeID { return live[r.Intn(len(live))] }
		prune := func() {
			live = slices.DeleteFunc(live, func(id NodeID) bool { return !g.Has(id) })
		}
		for i := 0; i < int(steps); i++ {
			switch op := r.Intn(6); {
			case op == 0 || len(live) < 2:
				live = append(live, g.Constant(32, int64(r.Intn(8))))
			case op == 1:
				live = append(live, g.Add(OpAdd, i32, pick(), pick()))
			case op == 2:
				live = append(live, g.Add(OpConditional, i32, pick(), pick(), pick()))
			case op == 3:
				id := pick()
				if g.Node(id).NumUsages() == 0 {
					g.Remove(id)
				}
			case op == 4:
				old, repl := pick(), pick()
				g.ReplaceAtUsages(old, repl)
			case op == 5:
				id := pick()
				if g.Op(id) != OpConstant {
					g.SetInput(id, 0, pick())
				}
			}
			prune()
			if err := g.Verify(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
	})
}

func TestRemoveExceptionEdge(t *testing.T) {
	g := New()
	x := g.AddAux(OpParameter, i32, 0, nil)
	div := g.Add(OpDiv, i32, x, g.Constant(32, 3))
	g.SetNext(g.Start(), div)
	g.SetNext(div, g.Add(OpReturn, stamp.Void(), div))
	ex := g.Add(OpExceptionObject, stamp.Unrestricted(64))
	g.AddExceptionEdge(div, ex)
	unwind := g.Add(OpUnwind, stamp.Void(), ex)
	g.SetNext(ex, unwind)

	g.RemoveExceptionEdge(div)
	mustVerify(t, g)
	if g.Has(ex) || g.Has(unwind) {
		t.Error("handler survived removal of the exception edge")
	}
	if g.ExceptionEdge(div) != NoNode || g.Node(div).NumSuccs() != 1 {
		t.Errorf("div still has an exception successor:\n%s", g)
	}
	// Removing it again does nothing.
	g.RemoveExceptionEdge(div)
	mustVerify(t, g)
}
