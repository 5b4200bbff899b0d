package bytecode

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/tools/container/intsets"
)

// A Block is a maximal sequence of instructions with a single entry and
// a single exit.
type Block struct {
	// Index is the block's position in reverse postorder.
	Index int
	// Start and End delimit the block's bytecode range [Start, End).
	Start, End int
	Instrs     []Instruction
	// Succs are the block's normal successors. For a conditional
	// branch they are the taken and the fall-through block, in that
	// order.
	Succs []*Block
	// Handler is the exception handler entered when the block's last
	// instruction throws, if that instruction is covered by one.
	Handler *Block
	// Preds lists every normal and exceptional edge into the block.
	// A block appears once per edge.
	Preds []*Block
	// Loop reports whether the block is the target of a back edge.
	Loop bool

	dom domInfo
}

func (b *Block) String() string { return fmt.Sprintf("b%d@%d", b.Index, b.Start) }

// Last returns the block's final instruction.
func (b *Block) Last() Instruction { return b.Instrs[len(b.Instrs)-1] }

// IsHandler reports whether some edge into b is an exception edge.
func (b *Block) IsHandler() bool {
	for _, p := range b.Preds {
		if p.Handler == b {
			return true
		}
	}
	return false
}

// CFG is the control flow graph of a method, restricted to the blocks
// reachable from an entry point.
type CFG struct {
	Method *Method
	// Blocks are in reverse postorder; Blocks[0] is the entry.
	Blocks []*Block
	// EntryBCI is the bytecode index execution starts at.
	EntryBCI int
}

// Entry returns the block containing the entry point.
func (cfg *CFG) Entry() *Block { return cfg.Blocks[0] }

// BlockAt returns the block starting at bci, or nil.
func (cfg *CFG) BlockAt(bci int) *Block {
	for _, b := range cfg.Blocks {
		if b.Start == bci {
			return b
		}
	}
	return nil
}

func (cfg *CFG) String() string {
	var sb strings.Builder
	for _, b := range cfg.Blocks {
		fmt.Fprintf(&sb, "%s [%d,%d)", b, b.Start, b.End)
		if b.Loop {
			sb.WriteString(" loop")
		}
		if len(b.Succs) > 0 {
			sb.WriteString(" ->")
			for _, s := range b.Succs {
				fmt.Fprintf(&sb, " %s", s)
			}
		}
		if b.Handler != nil {
			fmt.Fprintf(&sb, " catch %s", b.Handler)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// BuildBlocks partitions m's code into basic blocks and computes the
// control flow graph reachable from entryBCI.
//
// Blocks start at the method start, the entry point, branch targets,
// handler boundaries and after every branch, terminal instruction and
// throwing instruction covered by a handler, so that a block can only
// throw from its last instruction. Loop headers are found from back
// edges; a retreating edge whose target does not dominate its source
// makes the loop irreducible, which is reported as a *FormatError.
func BuildBlocks(m *Method, entryBCI int) (*CFG, error) {
	code, err := Decode(m)
	if err != nil {
		return nil, err
	}
	ferr := func(bci int, format string, args ...any) error {
		return &FormatError{Method: m.Name, BCI: bci, Msg: fmt.Sprintf(format, args...)}
	}

	index := make(map[int]int, len(code))
	for i, ins := range code {
		index[ins.BCI] = i
	}
	if _, ok := index[entryBCI]; !ok {
		return nil, ferr(entryBCI, "entry point is not an instruction")
	}

	var leaders intsets.Sparse
	leaders.Insert(0)
	leaders.Insert(entryBCI)
	for _, h := range m.Handlers {
		leaders.Insert(h.Start)
		leaders.Insert(h.Target)
		if _, ok := index[h.End]; ok {
			leaders.Insert(h.End)
		}
	}
	for i, ins := range code {
		split := ins.Op.IsBranch() || ins.Op.IsTerminal()
		if ins.Op.IsBranch() {
			leaders.Insert(ins.Target())
		}
		if ins.Op.CanThrow() {
			if _, ok := m.HandlerFor(ins.BCI); ok {
				split = true
			}
		}
		if split && i+1 < len(code) {
			leaders.Insert(code[i+1].BCI)
		}
	}

	var all []*Block
	byStart := map[int]*Block{}
	starts := leaders.AppendTo(nil)
	for i, start := range starts {
		end := len(m.Code)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		b := &Block{Start: start, End: end, Instrs: code[index[start] : index[start]+countInstrs(code[index[start]:], end)]}
		all = append(all, b)
		byStart[start] = b
	}
	for _, b := range all {
		last := b.Last()
		switch {
		case last.Op == Goto:
			b.Succs = []*Block{byStart[last.Target()]}
		case last.Op.IsConditional():
			b.Succs = []*Block{byStart[last.Target()], byStart[last.Next()]}
		case last.Op.IsTerminal():
		default:
			b.Succs = []*Block{byStart[last.Next()]}
		}
		if last.Op.CanThrow() {
			if h, ok := m.HandlerFor(last.BCI); ok {
				b.Handler = byStart[h.Target]
			}
		}
	}

	// Depth-first search from the entry, collecting blocks in postorder.
	entry := byStart[entryBCI]
	var order []*Block
	var seen intsets.Sparse
	var dfs func(b *Block)
	dfs = func(b *Block) {
		if !seen.Insert(b.Start) {
			return
		}
		for _, s := range b.Succs {
			dfs(s)
		}
		if b.Handler != nil {
			dfs(b.Handler)
		}
		order = append(order, b)
	}
	dfs(entry)
	slices.Reverse(order)
	for i, b := range order {
		b.Index = i
	}
	for _, b := range order {
		for _, s := range b.Succs {
			s.Preds = append(s.Preds, b)
		}
		if b.Handler != nil {
			b.Handler.Preds = append(b.Handler.Preds, b)
		}
	}

	cfg := &CFG{Method: m, Blocks: order, EntryBCI: entryBCI}
	buildDomTree(cfg)

	for _, b := range order {
		edges := b.Succs
		if b.Handler != nil {
			edges = append(slices.Clip(edges), b.Handler)
		}
		for _, s := range edges {
			if s.Index > b.Index {
				continue
			}
			if !s.Dominates(b) {
				return nil, ferr(s.Start, "irreducible loop")
			}
			s.Loop = true
		}
	}
	return cfg, nil
}

func countInstrs(code []Instruction, end int) int {
	n := 0
	for n < len(code) && code[n].BCI < end {
		n++
	}
	return n
}
