package void

import (
	"math/bits"

	"github.com/outofforest/seraph/types"
)

// Sentinel is the all-ones VOID value returned by tracked arithmetic.
const Sentinel = ^uint64(0)

// TrackedDivU64 divides a by b, recording a div-zero failure when b == 0.
// On failure it returns Sentinel and the id of the record.
func (t *Table) TrackedDivU64(a, b uint64) (uint64, types.VoidID) {
	if b == 0 {
		return Sentinel, t.record(2, ReasonDivZero, 0, a, b, "division by zero")
	}
	return a / b, 0
}

// TrackedModU64 computes a mod b, recording a mod-zero failure when b == 0.
func (t *Table) TrackedModU64(a, b uint64) (uint64, types.VoidID) {
	if b == 0 {
		return Sentinel, t.record(2, ReasonModZero, 0, a, b, "modulo by zero")
	}
	return a % b, 0
}

// TrackedAddU64 adds a and b, recording an overflow failure on wraparound.
func (t *Table) TrackedAddU64(a, b uint64) (uint64, types.VoidID) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return Sentinel, t.record(2, ReasonOverflow, 0, a, b, "addition overflow")
	}
	return sum, 0
}

// TrackedSubU64 subtracts b from a, recording an underflow failure when
// b > a.
func (t *Table) TrackedSubU64(a, b uint64) (uint64, types.VoidID) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return Sentinel, t.record(2, ReasonUnderflow, 0, a, b, "subtraction underflow")
	}
	return diff, 0
}

// TrackedMulU64 multiplies a and b, recording an overflow failure when the
// product does not fit in 64 bits.
func (t *Table) TrackedMulU64(a, b uint64) (uint64, types.VoidID) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return Sentinel, t.record(2, ReasonOverflow, 0, a, b, "multiplication overflow")
	}
	return lo, 0
}

// Select returns ifVoid where mask is all-ones and ifValid where mask is
// zero, without branching. Intended for fast paths keeping VOID sentinels
// inside a single function.
func Select(mask, ifVoid, ifValid uint64) uint64 {
	return (ifVoid & mask) | (ifValid &^ mask)
}

// Mask returns an all-ones mask if v is the VOID sentinel, zero otherwise,
// without branching.
func Mask(v uint64) uint64 {
	eq := v ^ Sentinel
	// eq == 0 iff v is the sentinel.
	return uint64(int64(eq|-eq)>>63) ^ Sentinel
}
