// Package builder translates the bytecode of a method into a graph.
//
// Blocks are parsed in reverse postorder, so that every block is
// entered after all of its forward predecessors. Each block's entry
// state is a frame of local and operand stack values: a block with a
// single incoming edge continues with its predecessor's frame, a block
// with several gets a Merge and phis for the values that differ, and a
// loop header gets a LoopBegin with a phi for every live value before
// its body is parsed. Back edges add their values to those phis.
//
// Calls may be inlined by parsing the callee with a child parser that
// shares the graph and links to its caller for position attribution.
//
// Code that cannot be compiled causes a bailout: Build returns a
// *BailoutError and leaves the graph as it was before the call.
package builder

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/config"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

var log = commonlog.GetLogger("jit.builder")

// BailoutError reports that a method cannot be compiled. The caller is
// expected to fall back to interpreting it.
type BailoutError struct {
	Method string
	// BCI is the instruction the bailout was raised at, or -1.
	BCI    int
	Reason string
}

func (e *BailoutError) Error() string {
	if e.BCI < 0 {
		return fmt.Sprintf("bailout in %s: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("bailout in %s@%d: %s", e.Method, e.BCI, e.Reason)
}

// Options are per-compilation inputs that don't come from
// configuration files.
type Options struct {
	// EntryBCI is the bytecode index execution enters the method at.
	// Zero and negative values denote the method start.
	EntryBCI int
	// Entry holds the stamps of the local variables at EntryBCI, one
	// per local slot, with Void marking slots that hold no value. It
	// is required when entering anywhere but the method start. When
	// set, locals are read from the running activation instead of the
	// method's parameters.
	Entry []stamp.Stamp
	// IntrinsicContext is the method whose native implementation is
	// being compiled, if any. Calls to it are not replaced by the
	// intrinsic.
	IntrinsicContext *bytecode.Method
	// Profile supplies execution counts to optimistic optimizations.
	Profile *bytecode.Profile
}

// calls executed at least this often get a larger inlining budget
const hotCallCount = 1000

type builder struct {
	g    *graph.Graph
	cfg  config.Config
	opts Options
}

// Build parses m into g. The start node of g must not have a successor
// yet.
//
// If the method cannot be compiled, Build returns a *BailoutError and
// every node it added is removed again.
func Build(g *graph.Graph, m *bytecode.Method, cfg config.Config, opts Options) (err error) {
	if g.Node(g.Start()).Next() != graph.NoNode {
		return errors.New("graph has already been built")
	}
	mark := g.Mark()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		bail, ok := r.(*BailoutError)
		if !ok {
			panic(r)
		}
		g.SetPosition(nil)
		g.Truncate(mark)
		err = bail
	}()
	defer g.SetPosition(nil)

	b := &builder{g: g, cfg: cfg, opts: opts}
	entryBCI := max(opts.EntryBCI, 0)
	osr := opts.Entry != nil || entryBCI > 0

	root := &parser{b: b, m: m}
	if len(m.Code) == 0 {
		root.bailout("method has no code")
	}
	cfgm, ferr := bytecode.BuildBlocks(m, entryBCI)
	if ferr != nil {
		var fe *bytecode.FormatError
		if errors.As(ferr, &fe) {
			panic(&BailoutError{Method: m.Name, BCI: fe.BCI, Reason: fe.Msg})
		}
		root.bailout("%v", ferr)
	}
	root.cfg = cfgm
	root.bci = entryBCI
	g.SetPosition(root.position())

	var frame *frameState
	if osr {
		frame = root.osrFrame()
	} else {
		frame = root.paramFrame()
	}
	root.run(edge{from: g.Start(), frame: frame})
	log.Debugf("built %s: %d nodes", m, g.NodeCount())
	return nil
}

// paramFrame returns the frame at the method start, with the
// parameters in the first local slots.
func (p *parser) paramFrame() *frameState {
	if len(p.m.Params) > p.m.MaxLocals {
		p.bailout("%d parameters exceed %d locals", len(p.m.Params), p.m.MaxLocals)
	}
	f := &frameState{locals: make([]graph.NodeID, p.m.MaxLocals)}
	for i, k := range p.m.Params {
		f.locals[i] = p.b.g.AddAux(graph.OpParameter, stamp.Unrestricted(k.Bits()), int64(i), nil)
	}
	return f
}

// osrFrame returns the frame for entering the method in the middle, with
// locals taken from the running activation.
func (p *parser) osrFrame() *frameState {
	entry := p.b.opts.Entry
	if len(entry) != p.m.MaxLocals {
		p.bailout("entry state has %d locals, want %d", len(entry), p.m.MaxLocals)
	}
	f := &frameState{locals: make([]graph.NodeID, len(entry))}
	for i, st := range entry {
		switch {
		case st.IsVoid():
			continue
		case st.Bits() != 32 && st.Bits() != 64:
			p.bailout("entry local %d has unsupported width %d", i, st.Bits())
		case st.IsEmpty():
			p.bailout("entry local %d has no possible value", i)
		}
		f.locals[i] = p.b.g.AddAux(graph.OpOSRLocal, st, int64(i), nil)
	}
	return f
}

// optimistic reports whether the optimization category may be used.
// Optimistic optimizations need a profile.
func (b *builder) optimistic(opt config.Optimization) bool {
	return b.opts.Profile != nil && b.cfg.Optimistic.Allows(opt)
}

// Phase is a reusable graph building step with a fixed configuration.
type Phase struct {
	cfg config.Config
}

func NewPhase(cfg config.Config) *Phase { return &Phase{cfg: cfg} }

func (ph *Phase) Config() config.Config { return ph.cfg }

// WithConfig returns a copy of the phase that uses cfg.
func (ph *Phase) WithConfig(cfg config.Config) *Phase {
	cp := *ph
	cp.cfg = cfg
	return &cp
}

// Run builds the graph of m into g.
func (ph *Phase) Run(g *graph.Graph, m *bytecode.Method, opts Options) error {
	return Build(g, m, ph.cfg, opts)
}
