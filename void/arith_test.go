package void

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/seraph/types"
)

func TestTrackedDiv(t *testing.T) {
	requireT := require.New(t)
	table := NewTable(16)

	v, id := table.TrackedDivU64(10, 2)
	requireT.Equal(uint64(5), v)
	requireT.Zero(id)

	v, id = table.TrackedDivU64(10, 0)
	requireT.Equal(Sentinel, v)
	requireT.NotZero(id)

	r, exists := table.Lookup(id)
	requireT.True(exists)
	requireT.Equal(ReasonDivZero, r.Reason)
	requireT.Equal(uint64(10), r.InputA)
	requireT.Equal(uint64(0), r.InputB)
}

func TestTrackedAddOverflow(t *testing.T) {
	requireT := require.New(t)
	table := NewTable(16)

	v, id := table.TrackedAddU64(1, 2)
	requireT.Equal(uint64(3), v)
	requireT.Zero(id)

	v, id = table.TrackedAddU64(^uint64(0), 1)
	requireT.Equal(Sentinel, v)
	requireT.NotZero(id)
	requireT.Equal(ReasonOverflow, mustLookup(requireT, table, id).Reason)
}

func TestTrackedSubUnderflow(t *testing.T) {
	requireT := require.New(t)
	table := NewTable(16)

	v, id := table.TrackedSubU64(3, 1)
	requireT.Equal(uint64(2), v)
	requireT.Zero(id)

	v, id = table.TrackedSubU64(1, 3)
	requireT.Equal(Sentinel, v)
	requireT.Equal(ReasonUnderflow, mustLookup(requireT, table, id).Reason)
}

func TestTrackedMulOverflow(t *testing.T) {
	requireT := require.New(t)
	table := NewTable(16)

	v, id := table.TrackedMulU64(1<<32, 1<<31)
	requireT.Equal(uint64(1)<<63, v)
	requireT.Zero(id)

	v, id = table.TrackedMulU64(1<<32, 1<<32)
	requireT.Equal(Sentinel, v)
	requireT.Equal(ReasonOverflow, mustLookup(requireT, table, id).Reason)
}

func TestSelect(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(uint64(7), Select(0, 3, 7))
	requireT.Equal(uint64(3), Select(^uint64(0), 3, 7))
}

func TestMask(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(^uint64(0), Mask(Sentinel))
	requireT.Equal(uint64(0), Mask(0))
	requireT.Equal(uint64(0), Mask(42))
}

func mustLookup(requireT *require.Assertions, table *Table, id types.VoidID) Record {
	r, exists := table.Lookup(id)
	requireT.True(exists)
	return r
}
