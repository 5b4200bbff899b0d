package stamp

import "fmt"

// Domain selects how the raw bits of an integer are interpreted.
type Domain uint8

const (
	Signed Domain = iota
	Unsigned
)

func (d Domain) String() string {
	switch d {
	case Signed:
		return "signed"
	case Unsigned:
		return "unsigned"
	default:
		return fmt.Sprintf("Domain(%d)", uint8(d))
	}
}

// CompareOp names the comparison used to order values in a domain.
type CompareOp uint8

const (
	CompareLess  CompareOp = iota // signed <
	CompareBelow                  // unsigned <
)

// IntegerHelper bundles signedness-dependent operations for values of a
// fixed bit width. Values are exchanged as int64 holding the raw bits:
// sign-extended in the signed domain and zero-extended in the unsigned
// domain, so an unsigned 64-bit value above math.MaxInt64 is negative
// when viewed as an int64.
//
// IntegerHelper is a small value; share it freely.
type IntegerHelper struct {
	domain Domain
	bits   int
}

func NewIntegerHelper(d Domain, bits int) IntegerHelper {
	checkBits(bits)
	return IntegerHelper{domain: d, bits: bits}
}

func (h IntegerHelper) Domain() Domain { return h.domain }
func (h IntegerHelper) Bits() int      { return h.bits }

// UpperBound returns s's upper bound in h's domain.
func (h IntegerHelper) UpperBound(s Stamp) int64 {
	if h.domain == Unsigned {
		return int64(s.uupper)
	}
	return s.upper
}

// LowerBound returns s's lower bound in h's domain.
func (h IntegerHelper) LowerBound(s Stamp) int64 {
	if h.domain == Unsigned {
		return int64(s.ulower)
	}
	return s.lower
}

// Compare returns -1, 0 or 1 depending on whether a is less than, equal
// to or greater than b in h's domain.
func (h IntegerHelper) Compare(a, b int64) int {
	if h.domain == Unsigned {
		ua, ub := ZeroExtend(a, h.bits), ZeroExtend(b, h.bits)
		switch {
		case ua < ub:
			return -1
		case ua > ub:
			return 1
		}
		return 0
	}
	sa, sb := SignExtend(a, h.bits), SignExtend(b, h.bits)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func (h IntegerHelper) Min(a, b int64) int64 {
	if h.Compare(a, b) <= 0 {
		return a
	}
	return b
}

func (h IntegerHelper) Max(a, b int64) int64 {
	if h.Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Cast widens the low Bits bits of v to a 64-bit machine word using
// the domain's extension rule.
func (h IntegerHelper) Cast(v int64) int64 {
	if h.domain == Unsigned {
		return int64(ZeroExtend(v, h.bits))
	}
	return SignExtend(v, h.bits)
}

func (h IntegerHelper) MinValue() int64 {
	if h.domain == Unsigned {
		return 0
	}
	return MinSigned(h.bits)
}

func (h IntegerHelper) MaxValue() int64 {
	if h.domain == Unsigned {
		return int64(Mask(h.bits))
	}
	return MaxSigned(h.bits)
}

// Stamp returns the most precise stamp whose bounds in h's domain are
// [min, max]. An inverted interval yields the empty stamp.
func (h IntegerHelper) Stamp(min, max int64) Stamp {
	if h.domain == Unsigned {
		return ForUnsigned(h.bits, ZeroExtend(min, h.bits), ZeroExtend(max, h.bits))
	}
	return ForSigned(h.bits, SignExtend(min, h.bits), SignExtend(max, h.bits))
}

// CompareOp returns the comparison that orders values in h's domain.
func (h IntegerHelper) CompareOp() CompareOp {
	if h.domain == Unsigned {
		return CompareBelow
	}
	return CompareLess
}

// FoldLess decides a < b in h's domain.
func (h IntegerHelper) FoldLess(a, b Stamp) Truth {
	if h.domain == Unsigned {
		return FoldBelow(a, b)
	}
	return FoldLess(a, b)
}
