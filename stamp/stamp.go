// Package stamp implements the abstract values attached to every value
// in a program graph.
//
// A Stamp describes the set of runtime values a node may produce. It
// records a fixed bit width, signed and unsigned bounds, and two bit
// masks: the bits that are set in every possible value (mustBeSet) and
// the bits that are set in at least one possible value (mayBeSet).
//
// Stamps form a lattice ordered by the set of values they admit. The
// empty stamp admits no value at all and marks unreachable code; the
// unrestricted stamp admits every value of its width. Join computes the
// least upper bound and is used wherever control flow merges; Meet
// intersects two stamps and is used to narrow a stamp with new
// knowledge.
//
// Stamps are immutable, comparable values. A node's stamp is replaced
// wholesale, never modified.
package stamp

import (
	"errors"
	"fmt"
)

// Stamp is an abstract integer value. The zero value is the void
// stamp, used by nodes that produce no value.
type Stamp struct {
	bits  uint8
	empty bool

	// Signed bounds, sign-extended to 64 bits.
	lower, upper int64
	// Unsigned bounds, zero-extended to 64 bits.
	ulower, uupper uint64

	mustBeSet uint64
	mayBeSet  uint64
}

// Void returns the stamp of nodes that don't produce a value.
func Void() Stamp { return Stamp{} }

// Empty returns the stamp that admits no value of the given width.
func Empty(bits int) Stamp {
	checkBits(bits)
	return Stamp{bits: uint8(bits), empty: true}
}

// Unrestricted returns the stamp that admits every value of the given width.
func Unrestricted(bits int) Stamp {
	checkBits(bits)
	m := Mask(bits)
	return Stamp{
		bits:     uint8(bits),
		lower:    MinSigned(bits),
		upper:    MaxSigned(bits),
		ulower:   0,
		uupper:   m,
		mayBeSet: m,
	}
}

// ForConstant returns the stamp admitting exactly v, truncated to bits.
func ForConstant(bits int, v int64) Stamp {
	s := Unrestricted(bits)
	s.lower = SignExtend(v, bits)
	s.upper = s.lower
	s.ulower = ZeroExtend(v, bits)
	s.uupper = s.ulower
	s.mustBeSet = s.ulower
	s.mayBeSet = s.ulower
	return s
}

// ForSigned returns the most precise stamp whose signed bounds are [lo, hi].
func ForSigned(bits int, lo, hi int64) Stamp {
	s := Unrestricted(bits)
	s.lower, s.upper = lo, hi
	return s.reduce()
}

// ForUnsigned returns the most precise stamp whose unsigned bounds are [lo, hi].
func ForUnsigned(bits int, lo, hi uint64) Stamp {
	s := Unrestricted(bits)
	s.ulower, s.uupper = lo, hi
	return s.reduce()
}

// ForMasks returns the most precise stamp with the given known-bit masks.
func ForMasks(bits int, mustBeSet, mayBeSet uint64) Stamp {
	s := Unrestricted(bits)
	s.mustBeSet, s.mayBeSet = mustBeSet, mayBeSet
	return s.reduce()
}

// Boolean returns the stamp of a 32-bit value that is either 0 or 1.
func Boolean() Stamp { return ForSigned(32, 0, 1) }

func checkBits(bits int) {
	if bits < 1 || bits > 64 {
		panic(fmt.Sprintf("stamp: invalid bit width %d", bits))
	}
}

func (s Stamp) Bits() int { return int(s.bits) }

// IsVoid reports whether s is the stamp of a node without a value.
func (s Stamp) IsVoid() bool { return s.bits == 0 }

// IsEmpty reports whether s admits no value.
func (s Stamp) IsEmpty() bool { return s.empty }

// IsUnrestricted reports whether s admits every value of its width.
func (s Stamp) IsUnrestricted() bool {
	return !s.IsVoid() && s == Unrestricted(s.Bits())
}

func (s Stamp) LowerBound() int64          { return s.lower }
func (s Stamp) UpperBound() int64          { return s.upper }
func (s Stamp) UnsignedLowerBound() uint64 { return s.ulower }
func (s Stamp) UnsignedUpperBound() uint64 { return s.uupper }
func (s Stamp) MustBeSet() uint64          { return s.mustBeSet }
func (s Stamp) MayBeSet() uint64           { return s.mayBeSet }

// AsConstant returns the single value admitted by s, sign-extended.
func (s Stamp) AsConstant() (int64, bool) {
	if s.IsVoid() || s.empty || s.lower != s.upper {
		return 0, false
	}
	return s.lower, true
}

// IsConstant reports whether s admits exactly one value.
func (s Stamp) IsConstant() bool {
	_, ok := s.AsConstant()
	return ok
}

// Contains reports whether the value v, truncated to s's width, is admitted by s.
func (s Stamp) Contains(v int64) bool {
	if s.IsVoid() || s.empty {
		return false
	}
	sv := SignExtend(v, s.Bits())
	uv := ZeroExtend(v, s.Bits())
	return sv >= s.lower && sv <= s.upper &&
		uv >= s.ulower && uv <= s.uupper &&
		uv&s.mustBeSet == s.mustBeSet &&
		uv&^s.mayBeSet == 0
}

var errIncompatible = errors.New("stamp: incompatible bit widths")

// Validate checks the lattice invariants of s: the masks and bounds
// lie within the bit width, mustBeSet is a subset of mayBeSet, and the
// bounds are ordered.
func Validate(s Stamp) error {
	if s.IsVoid() {
		if s != (Stamp{}) {
			return errors.New("stamp: malformed void stamp")
		}
		return nil
	}
	if s.empty {
		return nil
	}
	n := s.Bits()
	m := Mask(n)
	switch {
	case s.mustBeSet&^s.mayBeSet != 0:
		return fmt.Errorf("stamp: mustBeSet %#x is not a subset of mayBeSet %#x", s.mustBeSet, s.mayBeSet)
	case s.mayBeSet&^m != 0:
		return fmt.Errorf("stamp: mayBeSet %#x exceeds %d bits", s.mayBeSet, n)
	case s.lower > s.upper:
		return fmt.Errorf("stamp: lower bound %d exceeds upper bound %d", s.lower, s.upper)
	case s.ulower > s.uupper:
		return fmt.Errorf("stamp: unsigned lower bound %d exceeds upper bound %d", s.ulower, s.uupper)
	case s.lower < MinSigned(n) || s.upper > MaxSigned(n):
		return fmt.Errorf("stamp: signed bounds [%d, %d] exceed %d bits", s.lower, s.upper, n)
	case s.uupper > m:
		return fmt.Errorf("stamp: unsigned upper bound %d exceeds %d bits", s.uupper, n)
	}
	return nil
}

// Join returns the least upper bound of a and b: a stamp admitting
// every value admitted by either. Join is commutative, associative and
// idempotent; the empty stamp is its identity.
func Join(a, b Stamp) Stamp {
	if a.bits != b.bits {
		panic(errIncompatible)
	}
	switch {
	case a.IsVoid():
		return a
	case a.empty:
		return b
	case b.empty:
		return a
	}
	return Stamp{
		bits:      a.bits,
		lower:     min64(a.lower, b.lower),
		upper:     max64(a.upper, b.upper),
		ulower:    minU64(a.ulower, b.ulower),
		uupper:    maxU64(a.uupper, b.uupper),
		mustBeSet: a.mustBeSet & b.mustBeSet,
		mayBeSet:  a.mayBeSet | b.mayBeSet,
	}
}

// Meet returns a stamp admitting only values admitted by both a and b.
// The result is reduced and may be empty.
func Meet(a, b Stamp) Stamp {
	if a.bits != b.bits {
		panic(errIncompatible)
	}
	switch {
	case a.IsVoid():
		return a
	case a.empty:
		return a
	case b.empty:
		return b
	}
	s := Stamp{
		bits:      a.bits,
		lower:     max64(a.lower, b.lower),
		upper:     min64(a.upper, b.upper),
		ulower:    maxU64(a.ulower, b.ulower),
		uupper:    minU64(a.uupper, b.uupper),
		mustBeSet: a.mustBeSet | b.mustBeSet,
		mayBeSet:  a.mayBeSet & b.mayBeSet,
	}
	return s.reduce()
}

// IsNarrowerThan reports whether every value admitted by s is admitted by o.
func (s Stamp) IsNarrowerThan(o Stamp) bool {
	return s.bits == o.bits && Join(s, o) == o
}

func (s Stamp) contradicts() bool {
	return s.mustBeSet&^s.mayBeSet != 0 || s.lower > s.upper || s.ulower > s.uupper
}

// reduce cross-tightens the signed bounds, unsigned bounds and masks
// of s until they agree, returning the empty stamp on contradiction.
func (s Stamp) reduce() Stamp {
	if s.IsVoid() {
		return s
	}
	n := s.Bits()
	if s.empty {
		return Empty(n)
	}
	m := Mask(n)
	sign := uint64(1) << uint(n-1)

	s.mustBeSet &= m
	s.mayBeSet &= m
	s.lower = max64(s.lower, MinSigned(n))
	s.upper = min64(s.upper, MaxSigned(n))
	s.uupper = minU64(s.uupper, m)

	// Every step only narrows, so the loop converges; the bound keeps
	// pathological inputs cheap without affecting soundness.
	for i := 0; i < 8; i++ {
		if s.contradicts() {
			return Empty(n)
		}
		old := s

		// unsigned -> signed
		if s.uupper < sign {
			s.lower = max64(s.lower, int64(s.ulower))
			s.upper = min64(s.upper, int64(s.uupper))
		} else if s.ulower >= sign {
			s.lower = max64(s.lower, SignExtend(s.ulower, n))
			s.upper = min64(s.upper, SignExtend(s.uupper, n))
		}
		// signed -> unsigned
		if s.lower >= 0 {
			s.ulower = maxU64(s.ulower, uint64(s.lower))
			s.uupper = minU64(s.uupper, uint64(s.upper))
		} else if s.upper < 0 {
			s.ulower = maxU64(s.ulower, ZeroExtend(s.lower, n))
			s.uupper = minU64(s.uupper, ZeroExtend(s.upper, n))
		}
		if s.contradicts() {
			return Empty(n)
		}

		// masks -> bounds
		s.ulower = maxU64(s.ulower, s.mustBeSet)
		s.uupper = minU64(s.uupper, s.mayBeSet)
		switch {
		case s.mustBeSet&sign != 0:
			s.lower = max64(s.lower, SignExtend(s.mustBeSet, n))
			s.upper = min64(s.upper, SignExtend(s.mayBeSet, n))
		case s.mayBeSet&sign == 0:
			s.lower = max64(s.lower, int64(s.mustBeSet))
			s.upper = min64(s.upper, int64(s.mayBeSet))
		default:
			s.lower = max64(s.lower, SignExtend(s.mustBeSet|sign, n))
			s.upper = min64(s.upper, int64(s.mayBeSet&^sign))
		}
		if s.contradicts() {
			return Empty(n)
		}

		// bounds -> masks
		must, may := rangeMasks(s.ulower, s.uupper)
		s.mustBeSet |= must
		s.mayBeSet &= may

		if s == old {
			break
		}
	}
	if s.contradicts() {
		return Empty(n)
	}
	return s
}

func (s Stamp) String() string {
	switch {
	case s.IsVoid():
		return "void"
	case s.empty:
		return fmt.Sprintf("i%d empty", s.bits)
	}
	if v, ok := s.AsConstant(); ok {
		return fmt.Sprintf("i%d %d", s.bits, v)
	}
	if s.IsUnrestricted() {
		return fmt.Sprintf("i%d", s.bits)
	}
	return fmt.Sprintf("i%d [%d, %d] u[%d, %d] must=%#x may=%#x",
		s.bits, s.lower, s.upper, s.ulower, s.uupper, s.mustBeSet, s.mayBeSet)
}
