package stamp

import (
	"math"
	"math/bits"
)

// The functions in this file derive the stamp of an operation's result
// from the stamps of its operands. Every result is sound: it admits
// every value the operation can produce for operands admitted by the
// input stamps. Results are reduced, and an empty operand yields an
// empty result.

func sameBits(a, b Stamp) int {
	if a.bits != b.bits {
		panic(errIncompatible)
	}
	return a.Bits()
}

func known(s Stamp) uint64 { return s.mustBeSet | ^s.mayBeSet }

// addCarry computes the known bits of a+b+carry from the known bits of
// a and b.
func addCarry(aMust, aMay, bMust, bMay, carry uint64) (must, may uint64) {
	sumMay := aMay + bMay + carry
	sumMust := aMust + bMust + carry
	carryZero := ^(sumMay ^ aMay ^ bMay)
	carryOne := sumMust ^ aMust ^ bMust
	k := (aMust | ^aMay) & (bMust | ^bMay) & (carryZero | carryOne)
	must = sumMust & k
	may = ^(^sumMay & k)
	return must, may
}

func addOverflows(x, y int64) bool {
	return (y > 0 && x > math.MaxInt64-y) || (y < 0 && x < math.MinInt64-y)
}

func subOverflows(x, y int64) bool {
	return (y < 0 && x > math.MaxInt64+y) || (y > 0 && x < math.MinInt64+y)
}

func mulExact(x, y int64) (int64, bool) {
	if x == 0 || y == 0 {
		return 0, true
	}
	if (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
		return 0, false
	}
	p := x * y
	if p/y != x {
		return 0, false
	}
	return p, true
}

func inSigned(n int, v int64) bool { return v >= MinSigned(n) && v <= MaxSigned(n) }

func fromParts(n int, lo, hi int64, ulo, uhi uint64, must, may uint64) Stamp {
	s := Unrestricted(n)
	s.lower, s.upper = lo, hi
	s.ulower, s.uupper = ulo, uhi
	s.mustBeSet, s.mayBeSet = must, may
	return s.reduce()
}

func Add(a, b Stamp) Stamp {
	n := sameBits(a, b)
	if a.empty || b.empty {
		return Empty(n)
	}
	if x, ok := a.AsConstant(); ok {
		if y, ok := b.AsConstant(); ok {
			return ForConstant(n, x+y)
		}
	}
	r := Unrestricted(n)
	if !addOverflows(a.lower, b.lower) && !addOverflows(a.upper, b.upper) {
		lo, hi := a.lower+b.lower, a.upper+b.upper
		if inSigned(n, lo) && inSigned(n, hi) {
			r.lower, r.upper = lo, hi
		}
	}
	if hi, c := bits.Add64(a.uupper, b.uupper, 0); c == 0 && hi <= Mask(n) {
		r.ulower, r.uupper = a.ulower+b.ulower, hi
	}
	must, may := addCarry(a.mustBeSet, a.mayBeSet, b.mustBeSet, b.mayBeSet, 0)
	return fromParts(n, r.lower, r.upper, r.ulower, r.uupper, must, may)
}

func Sub(a, b Stamp) Stamp {
	n := sameBits(a, b)
	if a.empty || b.empty {
		return Empty(n)
	}
	if x, ok := a.AsConstant(); ok {
		if y, ok := b.AsConstant(); ok {
			return ForConstant(n, x-y)
		}
	}
	r := Unrestricted(n)
	if !subOverflows(a.lower, b.upper) && !subOverflows(a.upper, b.lower) {
		lo, hi := a.lower-b.upper, a.upper-b.lower
		if inSigned(n, lo) && inSigned(n, hi) {
			r.lower, r.upper = lo, hi
		}
	}
	if a.ulower >= b.uupper {
		r.ulower, r.uupper = a.ulower-b.uupper, a.uupper-b.ulower
	}
	// a - b == a + ^b + 1
	must, may := addCarry(a.mustBeSet, a.mayBeSet, ^b.mayBeSet, ^b.mustBeSet, 1)
	return fromParts(n, r.lower, r.upper, r.ulower, r.uupper, must, may)
}

func Neg(a Stamp) Stamp {
	if a.IsVoid() {
		panic(errIncompatible)
	}
	return Sub(ForConstant(a.Bits(), 0), a)
}

func Mul(a, b Stamp) Stamp {
	n := sameBits(a, b)
	if a.empty || b.empty {
		return Empty(n)
	}
	if x, ok := a.AsConstant(); ok {
		if y, ok := b.AsConstant(); ok {
			return ForConstant(n, x*y)
		}
	}
	r := Unrestricted(n)
	lo, hi := int64(math.MaxInt64), int64(math.MinInt64)
	exact := true
	for _, x := range [2]int64{a.lower, a.upper} {
		for _, y := range [2]int64{b.lower, b.upper} {
			p, ok := mulExact(x, y)
			if !ok || !inSigned(n, p) {
				exact = false
			}
			lo, hi = min64(lo, p), max64(hi, p)
		}
	}
	if exact {
		r.lower, r.upper = lo, hi
	}
	if ph, pl := bits.Mul64(a.uupper, b.uupper); ph == 0 && pl <= Mask(n) {
		r.ulower, r.uupper = a.ulower*b.ulower, pl
	}
	// Trailing known zeros add up.
	tz := bits.TrailingZeros64(a.mayBeSet) + bits.TrailingZeros64(b.mayBeSet)
	may := ^Mask(tz)
	return fromParts(n, r.lower, r.upper, r.ulower, r.uupper, 0, may)
}

func And(a, b Stamp) Stamp {
	n := sameBits(a, b)
	if a.empty || b.empty {
		return Empty(n)
	}
	r := Unrestricted(n)
	r.uupper = minU64(a.uupper, b.uupper)
	return fromParts(n, r.lower, r.upper, r.ulower, r.uupper,
		a.mustBeSet&b.mustBeSet, a.mayBeSet&b.mayBeSet)
}

func Or(a, b Stamp) Stamp {
	n := sameBits(a, b)
	if a.empty || b.empty {
		return Empty(n)
	}
	r := Unrestricted(n)
	r.ulower = maxU64(a.ulower, b.ulower)
	return fromParts(n, r.lower, r.upper, r.ulower, r.uupper,
		a.mustBeSet|b.mustBeSet, a.mayBeSet|b.mayBeSet)
}

func Xor(a, b Stamp) Stamp {
	n := sameBits(a, b)
	if a.empty || b.empty {
		return Empty(n)
	}
	k := known(a) & known(b)
	v := (a.mustBeSet ^ b.mustBeSet) & k
	return ForMasks(n, v, v|^k)
}

func Not(a Stamp) Stamp {
	if a.IsVoid() {
		panic(errIncompatible)
	}
	n := a.Bits()
	if a.empty {
		return Empty(n)
	}
	m := Mask(n)
	return fromParts(n, ^a.upper, ^a.lower, m-a.uupper, m-a.ulower,
		^a.mayBeSet&m, ^a.mustBeSet&m)
}

// ShiftAmount returns the effective shift distance for a shift of an
// n-bit value by the shift stamp s, if s is a constant.
func ShiftAmount(n int, s Stamp) (uint, bool) {
	c, ok := s.AsConstant()
	if !ok {
		return 0, false
	}
	return uint(uint64(c) % uint64(n)), true
}

// Shl derives a << s. The shift distance is taken modulo the width of a.
func Shl(a, s Stamp) Stamp {
	n := a.Bits()
	if a.empty || s.empty {
		return Empty(n)
	}
	k, ok := ShiftAmount(n, s)
	if !ok {
		return Unrestricted(n)
	}
	if k == 0 {
		return a
	}
	m := Mask(n)
	r := Unrestricted(n)
	if a.lower >= MinSigned(n)>>k && a.upper <= MaxSigned(n)>>k {
		r.lower, r.upper = a.lower<<k, a.upper<<k
	}
	if a.uupper <= m>>k {
		r.ulower, r.uupper = a.ulower<<k, a.uupper<<k
	}
	return fromParts(n, r.lower, r.upper, r.ulower, r.uupper,
		(a.mustBeSet<<k)&m, (a.mayBeSet<<k)&m)
}

// Shr derives the arithmetic shift a >> s.
func Shr(a, s Stamp) Stamp {
	n := a.Bits()
	if a.empty || s.empty {
		return Empty(n)
	}
	k, ok := ShiftAmount(n, s)
	if !ok {
		return Unrestricted(n)
	}
	if k == 0 {
		return a
	}
	r := Unrestricted(n)
	return fromParts(n, a.lower>>k, a.upper>>k, r.ulower, r.uupper,
		ZeroExtend(SignExtend(a.mustBeSet, n)>>k, n),
		ZeroExtend(SignExtend(a.mayBeSet, n)>>k, n))
}

// UShr derives the logical shift a >>> s.
func UShr(a, s Stamp) Stamp {
	n := a.Bits()
	if a.empty || s.empty {
		return Empty(n)
	}
	k, ok := ShiftAmount(n, s)
	if !ok {
		return Unrestricted(n)
	}
	if k == 0 {
		return a
	}
	r := Unrestricted(n)
	return fromParts(n, r.lower, r.upper, a.ulower>>k, a.uupper>>k,
		a.mustBeSet>>k, a.mayBeSet>>k)
}

// SignExtendTo widens a to the given width by sign extension.
func SignExtendTo(a Stamp, to int) Stamp {
	from := a.Bits()
	if to < from {
		panic(errIncompatible)
	}
	if a.empty {
		return Empty(to)
	}
	r := Unrestricted(to)
	return fromParts(to, a.lower, a.upper, r.ulower, r.uupper,
		ZeroExtend(SignExtend(a.mustBeSet, from), to),
		ZeroExtend(SignExtend(a.mayBeSet, from), to))
}

// ZeroExtendTo widens a to the given width by zero extension.
func ZeroExtendTo(a Stamp, to int) Stamp {
	from := a.Bits()
	if to < from {
		panic(errIncompatible)
	}
	if a.empty {
		return Empty(to)
	}
	lo, hi := a.lower, a.upper
	if to > from {
		lo, hi = int64(a.ulower), int64(a.uupper)
	}
	return fromParts(to, lo, hi, a.ulower, a.uupper, a.mustBeSet, a.mayBeSet)
}

// NarrowTo truncates a to the given width.
func NarrowTo(a Stamp, to int) Stamp {
	if to > a.Bits() {
		panic(errIncompatible)
	}
	if a.empty {
		return Empty(to)
	}
	m := Mask(to)
	r := Unrestricted(to)
	if inSigned(to, a.lower) && inSigned(to, a.upper) {
		r.lower, r.upper = a.lower, a.upper
	}
	if a.uupper <= m {
		r.ulower, r.uupper = a.ulower, a.uupper
	}
	return fromParts(to, r.lower, r.upper, r.ulower, r.uupper, a.mustBeSet&m, a.mayBeSet&m)
}

// BitScanReverse derives the stamp of the index of the most significant
// set bit of a value admitted by a. The result is a 32-bit value.
//
// The result on a zero input is undefined. When a admits only zero, the
// result is unrestricted rather than an invented index.
func BitScanReverse(a Stamp) Stamp {
	n := a.Bits()
	if a.empty {
		return Empty(32)
	}
	m := Mask(n)
	must, may := a.mustBeSet&m, a.mayBeSet&m
	if may == 0 {
		return Unrestricted(32)
	}
	lo := ScanReverse(must)
	if lo < 0 {
		lo = ScanForward(may)
	}
	hi := ScanReverse(may)
	// Unsigned bounds of a non-zero value pin its leading bit further.
	if b := bits.Len64(a.ulower) - 1; b > lo {
		lo = b
	}
	if b := bits.Len64(a.uupper) - 1; b >= 0 && b < hi {
		hi = b
	}
	return ForSigned(32, int64(lo), int64(hi))
}

// BitScanForward derives the stamp of the index of the least
// significant set bit of a value admitted by a. The result is a 32-bit
// value, undefined for a zero input.
func BitScanForward(a Stamp) Stamp {
	n := a.Bits()
	if a.empty {
		return Empty(32)
	}
	m := Mask(n)
	must, may := a.mustBeSet&m, a.mayBeSet&m
	if may == 0 {
		return Unrestricted(32)
	}
	lo := ScanForward(may)
	hi := ScanForward(must)
	if hi < 0 {
		hi = ScanReverse(may)
	}
	return ForSigned(32, int64(lo), int64(hi))
}

// Truth is the result of deciding a comparison from stamps alone.
type Truth uint8

const (
	Unknown Truth = iota
	AlwaysTrue
	AlwaysFalse
)

func (t Truth) String() string {
	switch t {
	case AlwaysTrue:
		return "true"
	case AlwaysFalse:
		return "false"
	default:
		return "unknown"
	}
}

// FoldEquals decides a == b.
func FoldEquals(a, b Stamp) Truth {
	sameBits(a, b)
	if a.empty || b.empty {
		return Unknown
	}
	if x, ok := a.AsConstant(); ok {
		if y, ok := b.AsConstant(); ok && x == y {
			return AlwaysTrue
		}
	}
	if a.upper < b.lower || b.upper < a.lower ||
		a.uupper < b.ulower || b.uupper < a.ulower ||
		a.mustBeSet&^b.mayBeSet != 0 || b.mustBeSet&^a.mayBeSet != 0 {
		return AlwaysFalse
	}
	return Unknown
}

// FoldLess decides the signed comparison a < b.
func FoldLess(a, b Stamp) Truth {
	sameBits(a, b)
	switch {
	case a.empty || b.empty:
		return Unknown
	case a.upper < b.lower:
		return AlwaysTrue
	case a.lower >= b.upper:
		return AlwaysFalse
	}
	return Unknown
}

// FoldBelow decides the unsigned comparison a < b.
func FoldBelow(a, b Stamp) Truth {
	sameBits(a, b)
	switch {
	case a.empty || b.empty:
		return Unknown
	case a.uupper < b.ulower:
		return AlwaysTrue
	case a.ulower >= b.uupper:
		return AlwaysFalse
	}
	return Unknown
}

// ForTruth returns the boolean stamp of a decided comparison.
func ForTruth(t Truth) Stamp {
	switch t {
	case AlwaysTrue:
		return ForConstant(32, 1)
	case AlwaysFalse:
		return ForConstant(32, 0)
	}
	return Boolean()
}
