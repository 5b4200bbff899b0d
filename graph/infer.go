package graph

import (
	"fmt"

	"honnef.co/go/jit/stamp"
)

// Infer derives the stamp of a floating node, or of a fixed value node
// whose result depends on its inputs, from the stamps of its inputs.
// For other nodes it returns cur unchanged.
func Infer(op Op, aux int64, ins []stamp.Stamp, cur stamp.Stamp) stamp.Stamp {
	switch op {
	case OpAdd:
		return stamp.Add(ins[0], ins[1])
	case OpSub:
		return stamp.Sub(ins[0], ins[1])
	case OpMul:
		return stamp.Mul(ins[0], ins[1])
	case OpAnd:
		return stamp.And(ins[0], ins[1])
	case OpOr:
		return stamp.Or(ins[0], ins[1])
	case OpXor:
		return stamp.Xor(ins[0], ins[1])
	case OpShl:
		return stamp.Shl(ins[0], ins[1])
	case OpShr:
		return stamp.Shr(ins[0], ins[1])
	case OpUShr:
		return stamp.UShr(ins[0], ins[1])
	case OpNeg:
		return stamp.Neg(ins[0])
	case OpNot:
		return stamp.Not(ins[0])
	case OpEquals:
		return stamp.ForTruth(stamp.FoldEquals(ins[0], ins[1]))
	case OpLessThan, OpBelow:
		h := CompareHelper(op, ins[0].Bits())
		return stamp.ForTruth(h.FoldLess(ins[0], ins[1]))
	case OpConditional:
		switch t := ins[0]; {
		case t.IsEmpty():
			return stamp.Empty(ins[1].Bits())
		case !t.Contains(0):
			return ins[1]
		case t.IsConstant():
			return ins[2]
		}
		return stamp.Join(ins[1], ins[2])
	case OpSignExtend:
		return stamp.SignExtendTo(ins[0], int(aux))
	case OpZeroExtend:
		return stamp.ZeroExtendTo(ins[0], int(aux))
	case OpNarrow:
		return stamp.NarrowTo(ins[0], int(aux))
	case OpBitScanForward:
		return stamp.BitScanForward(ins[0])
	case OpBitScanReverse:
		return stamp.BitScanReverse(ins[0])
	case OpPhi:
		// ins[0] is the merge.
		s := stamp.Empty(cur.Bits())
		for _, in := range ins[1:] {
			s = stamp.Join(s, in)
		}
		return s
	case OpRem:
		return remStamp(ins[0], ins[1], cur)
	}
	return cur
}

// CompareHelper returns the integer strategy that orders the operands
// of a LessThan or Below node of the given width.
func CompareHelper(op Op, bits int) stamp.IntegerHelper {
	switch op {
	case OpLessThan:
		return stamp.NewIntegerHelper(stamp.Signed, bits)
	case OpBelow:
		return stamp.NewIntegerHelper(stamp.Unsigned, bits)
	}
	panic(fmt.Sprintf("%s is not an ordering comparison", op))
}

// remStamp bounds x % y by the magnitude of y and the sign of x.
func remStamp(x, y, cur stamp.Stamp) stamp.Stamp {
	n := cur.Bits()
	if x.IsEmpty() || y.IsEmpty() {
		return stamp.Empty(n)
	}
	lo, hi := y.LowerBound(), y.UpperBound()
	if lo == stamp.MinSigned(n) {
		return cur
	}
	m := max(abs(lo), abs(hi))
	if m == 0 {
		return cur
	}
	r := stamp.ForSigned(n, -(m - 1), m-1)
	switch {
	case x.LowerBound() >= 0:
		r = stamp.Meet(r, stamp.ForSigned(n, 0, x.UpperBound()))
	case x.UpperBound() <= 0:
		r = stamp.Meet(r, stamp.ForSigned(n, x.LowerBound(), 0))
	}
	return r
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// InferStamp derives the stamp of node id from its inputs' current
// stamps.
func (g *Graph) InferStamp(id NodeID) stamp.Stamp {
	n := g.Node(id)
	ins := make([]stamp.Stamp, len(n.inputs))
	for i, in := range n.inputs {
		ins[i] = g.nodes[in].st
	}
	return Infer(n.op, n.aux, ins, n.st)
}
