package stamp

import (
	"math/bits"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// Mask returns a mask with the low n bits set. Mask(64) has all bits set.
func Mask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	if n <= 0 {
		return 0
	}
	return uint64(1)<<uint(n) - 1
}

// SignExtend interprets the low n bits of v as a two's complement
// number and returns it sign-extended to 64 bits.
func SignExtend[T constraints.Integer](v T, n int) int64 {
	if n <= 0 {
		return 0
	}
	shift := uint(64 - n)
	return int64(uint64(v)<<shift) >> shift
}

// ZeroExtend returns the low n bits of v.
func ZeroExtend[T constraints.Integer](v T, n int) uint64 {
	return uint64(v) & Mask(n)
}

// MinSigned returns the smallest signed value representable in n bits.
func MinSigned(n int) int64 { return -MaxSigned(n) - 1 }

// MaxSigned returns the largest signed value representable in n bits.
func MaxSigned(n int) int64 { return int64(Mask(n) >> 1) }

func sizeOf[T constraints.Integer](v T) int {
	return int(unsafe.Sizeof(v)) * 8
}

// ScanReverse returns the index of the most significant set bit of v,
// or -1 if v is zero. The width of v's type bounds the scan, so
// ScanReverse(int32(-1)) is 31.
func ScanReverse[T constraints.Integer](v T) int {
	return bits.Len64(uint64(v)&Mask(sizeOf(v))) - 1
}

// ScanForward returns the index of the least significant set bit of v,
// or -1 if v is zero.
func ScanForward[T constraints.Integer](v T) int {
	u := uint64(v) & Mask(sizeOf(v))
	if u == 0 {
		return -1
	}
	return bits.TrailingZeros64(u)
}

// rangeMasks returns the bits that are set in every value and the bits
// that are set in any value of the unsigned range [lo, hi].
func rangeMasks(lo, hi uint64) (must, may uint64) {
	diff := lo ^ hi
	if diff == 0 {
		return lo, lo
	}
	// Go defines shifts by >= 64 as 0, so a difference in bit 63
	// yields an all-ones mask.
	m := uint64(1)<<uint(bits.Len64(diff)) - 1
	return lo &^ m, lo | m
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
