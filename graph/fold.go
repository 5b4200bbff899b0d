package graph

import (
	"honnef.co/go/jit/stamp"
)

// Fold evaluates a pure operation on constant arguments. inBits is the
// width of the first operand and outBits the width of the result.
// Arguments and the result are sign-extended to 64 bits. Fold reports
// false for operations that aren't pure values, and for arguments on
// which the operation traps or is undefined.
func Fold(op Op, aux int64, inBits, outBits int, args ...int64) (int64, bool) {
	var v int64
	switch op {
	case OpConstant:
		v = aux
	case OpAdd:
		v = args[0] + args[1]
	case OpSub:
		v = args[0] - args[1]
	case OpMul:
		v = args[0] * args[1]
	case OpAnd:
		v = args[0] & args[1]
	case OpOr:
		v = args[0] | args[1]
	case OpXor:
		v = args[0] ^ args[1]
	case OpShl:
		v = args[0] << shiftCount(args[1], inBits)
	case OpShr:
		v = stamp.SignExtend(args[0], inBits) >> shiftCount(args[1], inBits)
	case OpUShr:
		v = int64(stamp.ZeroExtend(args[0], inBits) >> shiftCount(args[1], inBits))
	case OpNeg:
		v = -args[0]
	case OpNot:
		v = ^args[0]
	case OpEquals:
		v = b2i(stamp.SignExtend(args[0], inBits) == stamp.SignExtend(args[1], inBits))
	case OpLessThan, OpBelow:
		v = b2i(CompareHelper(op, inBits).Compare(args[0], args[1]) < 0)
	case OpConditional:
		if args[0] != 0 {
			v = args[1]
		} else {
			v = args[2]
		}
	case OpSignExtend:
		v = stamp.SignExtend(args[0], inBits)
	case OpZeroExtend:
		v = int64(stamp.ZeroExtend(args[0], inBits))
	case OpNarrow:
		v = args[0]
	case OpBitScanForward, OpBitScanReverse:
		u := stamp.ZeroExtend(args[0], inBits)
		if u == 0 {
			return 0, false
		}
		if op == OpBitScanForward {
			v = int64(stamp.ScanForward(u))
		} else {
			v = int64(stamp.ScanReverse(u))
		}
	case OpDiv, OpRem:
		x, y := stamp.SignExtend(args[0], inBits), stamp.SignExtend(args[1], inBits)
		if y == 0 {
			return 0, false
		}
		// The quotient of the most negative value and -1 overflows
		// back to the most negative value.
		if op == OpDiv {
			v = x / y
		} else {
			v = x % y
		}
	default:
		return 0, false
	}
	return stamp.SignExtend(v, outBits), true
}

func shiftCount(s int64, bits int) uint64 {
	return uint64(s) % uint64(bits)
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
