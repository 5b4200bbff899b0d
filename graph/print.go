package graph

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Fprint writes a textual listing of g's live nodes to w, one node per
// line, in id order.
//
//	v3 = Add v1 v2 : i32 [0, 10] ...
//	v7 = If v6 -> v8 v9
func Fprint(w io.Writer, g *Graph) error {
	var buf bytes.Buffer
	for n := range g.Nodes() {
		writeNode(&buf, g, n)
		buf.WriteByte('\n')
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// String returns the listing produced by Fprint.
func (g *Graph) String() string {
	var sb strings.Builder
	Fprint(&sb, g)
	return sb.String()
}

func writeNode(buf *bytes.Buffer, g *Graph, n *Node) {
	fmt.Fprintf(buf, "%s = %s", n.id, n.op)
	switch n.op {
	case OpConstant, OpParameter, OpOSRLocal, OpSignExtend, OpZeroExtend, OpNarrow, OpReadRegister, OpDeoptimize:
		fmt.Fprintf(buf, " #%d", n.aux)
	}
	if n.sym != nil {
		fmt.Fprintf(buf, " <%v>", n.sym)
	}
	for _, in := range n.inputs {
		fmt.Fprintf(buf, " %s", in)
	}
	if !n.st.IsVoid() && n.op != OpConstant {
		fmt.Fprintf(buf, " : %s", n.st)
	}
	if len(n.succs) > 0 {
		buf.WriteString(" ->")
		for _, s := range n.succs {
			if s == NoNode {
				buf.WriteString(" _")
			} else {
				fmt.Fprintf(buf, " %s", s)
			}
		}
	}
	if n.pos != nil {
		fmt.Fprintf(buf, "  ; %s", n.pos)
	}
}

// Dot writes g in Graphviz dot format. Control edges are drawn in red,
// data edges in black from input to user.
func Dot(w io.Writer, g *Graph) error {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("\tnode [shape=box, fontname=monospace];\n")
	for n := range g.Nodes() {
		label := n.op.String()
		switch n.op {
		case OpConstant, OpParameter, OpOSRLocal:
			label += fmt.Sprintf(" %d", n.aux)
		}
		if !n.st.IsVoid() {
			label += "\\n" + n.st.String()
		}
		style := ""
		if n.op.IsFixed() {
			style = ", style=bold"
		}
		fmt.Fprintf(&buf, "\t%d [label=\"%s: %s\"%s];\n", n.id, n.id, label, style)
	}
	for n := range g.Nodes() {
		for _, s := range n.succs {
			if s != NoNode {
				fmt.Fprintf(&buf, "\t%d -> %d [color=red];\n", n.id, s)
			}
		}
		if n.op.IsMerge() {
			for _, e := range n.inputs {
				fmt.Fprintf(&buf, "\t%d -> %d [color=red];\n", e, n.id)
			}
			continue
		}
		for i, in := range n.inputs {
			if n.op == OpPhi && i == 0 {
				fmt.Fprintf(&buf, "\t%d -> %d [style=dashed];\n", in, n.id)
				continue
			}
			fmt.Fprintf(&buf, "\t%d -> %d [label=%d];\n", in, n.id, i)
		}
	}
	buf.WriteString("}\n")
	_, err := w.Write(buf.Bytes())
	return err
}
