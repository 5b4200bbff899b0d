package bytecode

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const countSrc = `
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
`

const divSrc = `
.field errors I
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

.method caller(II)I
	load 0
	load 1
	invokestatic safediv ; resolved after parsing
	ireturn
.end
`

func mustMethod(t *testing.T, src, name string) *Method {
	t.Helper()
	p, err := Assemble(src)
	if err != nil {
		t.Fatal(err)
	}
	m := p.Method(name)
	if m == nil {
		t.Fatalf("no method %s", name)
	}
	return m
}

func TestAssemble(t *testing.T) {
	m := mustMethod(t, countSrc, "count")
	if m.Signature() != "(I)I" || m.MaxLocals != 2 {
		t.Errorf("got %s%s with %d locals", m.Name, m.Signature(), m.MaxLocals)
	}
	code, err := Decode(m)
	if err != nil {
		t.Fatal(err)
	}
	var ops []string
	for _, ins := range code {
		ops = append(ops, ins.Op.String())
	}
	want := []string{"iconst", "store", "load", "ifle", "load", "load", "iadd", "store", "load", "iconst", "isub", "store", "goto", "load", "ireturn"}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("opcodes mismatch (-want +got):\n%s", diff)
	}
	// ifle done
	if got := code[3].Target(); got != code[13].BCI {
		t.Errorf("ifle targets %d, want %d", got, code[13].BCI)
	}
	// goto loop
	if got := code[12].Target(); got != code[2].BCI {
		t.Errorf("goto targets %d, want %d", got, code[2].BCI)
	}
}

func TestAssembleReferences(t *testing.T) {
	p, err := Assemble(divSrc)
	if err != nil {
		t.Fatal(err)
	}
	div, caller := p.Method("safediv"), p.Method("caller")
	if len(caller.Callees) != 1 || caller.Callees[0] != div {
		t.Errorf("caller.Callees = %v", caller.Callees)
	}
	if len(p.Fields) != 1 || len(div.Fields) != 1 || div.Fields[0] != p.Fields[0] {
		t.Errorf("fields not shared: %v %v", p.Fields, div.Fields)
	}
	want := []Handler{{Start: 0, End: 5, Target: 6}}
	if diff := cmp.Diff(want, div.Handlers); diff != "" {
		t.Errorf("handlers mismatch (-want +got):\n%s", diff)
	}
	if h, ok := div.HandlerFor(4); !ok || h.Target != 6 {
		t.Errorf("HandlerFor(4) = %v, %t", h, ok)
	}
	if _, ok := div.HandlerFor(5); ok {
		t.Errorf("ireturn should not be covered")
	}
	listing, err := Disassemble(div)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{".method safediv(II)I", "4: idiv", ".handler 0 5 6"} {
		if !strings.Contains(listing, s) {
			t.Errorf("listing lacks %q:\n%s", s, listing)
		}
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"unknown", ".method f()V\n\tfrob\n.end", "unknown instruction"},
		{"label", ".method f()V\n\tgoto nowhere\n.end", "undefined label"},
		{"callee", ".method f()V\n\tinvokestatic g\n\treturn\n.end", "undefined method"},
		{"field", ".method f()I\n\tgetstatic x\n\tireturn\n.end", "undefined field"},
		{"unterminated", ".method f()V\n\treturn\n", "missing .end"},
		{"operand", ".method f()V\n\tload 300\n\treturn\n.end", "out of range"},
		{"empty", ".method f()V\n.end", "no code"},
		{"locals", ".method f(II)V\n.locals 1\n\treturn\n.end", "invalid local count"},
		{"outside", "\tiadd", "outside of a method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.src)
			var ferr *FormatError
			if !errors.As(err, &ferr) {
				t.Fatalf("got %v, want a *FormatError", err)
			}
			if !strings.Contains(ferr.Msg, tt.msg) {
				t.Errorf("got %q, want it to mention %q", ferr.Msg, tt.msg)
			}
		})
	}
}

func TestIntrinsicWithoutBody(t *testing.T) {
	p, err := Assemble(".method bsr(I)I\n.intrinsic bsr32\n.end")
	if err != nil {
		t.Fatal(err)
	}
	if m := p.Method("bsr"); m.Intrinsic != "bsr32" || m.Code != nil {
		t.Errorf("got %+v", m)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		m    *Method
		msg  string
	}{
		{"opcode", &Method{Name: "f", Code: []byte{0xff}}, "invalid opcode"},
		{"truncated", &Method{Name: "f", Code: []byte{byte(IConst), 0}}, "truncated"},
		{"falls off", &Method{Name: "f", Code: []byte{byte(Nop)}}, "falls off"},
		{"local", &Method{Name: "f", MaxLocals: 1, Code: []byte{byte(Load), 1, byte(Return)}}, "local 1"},
		{"mid-instruction", &Method{Name: "f", Code: []byte{byte(Goto), 0, 1, byte(Return)}}, "not an instruction"},
		{"callee", &Method{Name: "f", Code: []byte{byte(InvokeStatic), 0, 0, byte(Return)}}, "callee 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.m)
			if err == nil || !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("got %v, want an error mentioning %q", err, tt.msg)
			}
		})
	}
}

func TestBuildBlocksLoop(t *testing.T) {
	m := mustMethod(t, countSrc, "count")
	cfg, err := BuildBlocks(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Blocks) != 4 {
		t.Fatalf("got %d blocks:\n%s", len(cfg.Blocks), cfg)
	}
	entry, header, body, done := cfg.Blocks[0], cfg.Blocks[1], cfg.Blocks[2], cfg.Blocks[3]
	if entry.Start != 0 || entry.Loop {
		t.Errorf("bad entry %s", entry)
	}
	if !header.Loop || body.Loop || done.Loop {
		t.Errorf("wrong loop headers:\n%s", cfg)
	}
	if len(header.Preds) != 2 || header.Succs[0] != done || header.Succs[1] != body {
		t.Errorf("bad header edges:\n%s", cfg)
	}
	if !header.Dominates(body) || !header.Dominates(done) || body.Dominates(done) {
		t.Errorf("bad dominance:\n%s", cfg)
	}
	if done.Idom() != header || header.Idom() != entry || entry.Idom() != nil {
		t.Errorf("bad immediate dominators")
	}
	if cfg.BlockAt(header.Start) != header {
		t.Errorf("BlockAt(%d) != header", header.Start)
	}
}

func TestBuildBlocksHandler(t *testing.T) {
	m := mustMethod(t, divSrc, "safediv")
	cfg, err := BuildBlocks(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	entry := cfg.Entry()
	if entry.Last().Op != IDiv {
		t.Fatalf("entry block should end at the covered idiv:\n%s", cfg)
	}
	h := entry.Handler
	if h == nil || h.Start != 6 || !h.IsHandler() {
		t.Fatalf("bad handler:\n%s", cfg)
	}
	if len(entry.Succs) != 1 || entry.Succs[0].Start != 5 || entry.Succs[0].IsHandler() {
		t.Errorf("bad normal successor:\n%s", cfg)
	}
	if len(cfg.Blocks) != 3 {
		t.Errorf("got %d blocks", len(cfg.Blocks))
	}
}

func TestBuildBlocksEntry(t *testing.T) {
	m := mustMethod(t, countSrc, "count")
	// bci of "loop:" is after iconst (5 bytes) and store (2 bytes).
	cfg, err := BuildBlocks(m, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Blocks) != 3 {
		t.Fatalf("method start should be unreachable:\n%s", cfg)
	}
	if e := cfg.Entry(); e.Start != 7 || !e.Loop || cfg.EntryBCI != 7 {
		t.Errorf("bad entry:\n%s", cfg)
	}
	if _, err := BuildBlocks(m, 1); err == nil {
		t.Errorf("entry in the middle of an instruction should fail")
	}
}

func TestBuildBlocksIrreducible(t *testing.T) {
	src := `
.method irr(I)I
	load 0
	ifeq b
a:
	load 0
	ifne b
	iconst 0
	ireturn
b:
	load 0
	ifne a
	iconst 1
	ireturn
.end
`
	m := mustMethod(t, src, "irr")
	_, err := BuildBlocks(m, 0)
	var ferr *FormatError
	if !errors.As(err, &ferr) || !strings.Contains(ferr.Msg, "irreducible") {
		t.Errorf("got %v, want an irreducible loop error", err)
	}
}

func FuzzBuildBlocks(f *testing.F) {
	for _, src := range []string{countSrc, divSrc} {
		p := MustAssemble(src)
		for _, m := range p.Methods {
			f.Add(m.Code)
		}
	}
	f.Fuzz(func(t *testing.T, code []byte) {
		m := &Method{Name: "f", MaxLocals: 4, Code: code}
		cfg, err := BuildBlocks(m, 0)
		if err != nil {
			return
		}
		for _, b := range cfg.Blocks {
			for _, s := range b.Succs {
				if s.Index <= b.Index && !s.Loop {
					t.Fatalf("back edge %s -> %s into a non-loop block", b, s)
				}
			}
			if b != cfg.Entry() && len(b.Preds) == 0 {
				t.Fatalf("reachable block %s without predecessors", b)
			}
		}
	})
}
