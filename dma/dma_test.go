package dma

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/seraph/types"
)

func TestArenaBuffersAreAlignedAndDisjoint(t *testing.T) {
	requireT := require.New(t)

	arena, closeFn, err := NewArena(NewIdentityMapper(), types.PageSize, 4)
	requireT.NoError(err)
	t.Cleanup(closeFn)

	requireT.Equal(uint64(4), arena.Count())
	for i := range arena.Count() {
		b := arena.Buffer(i)
		requireT.Zero(b.Phys() % types.PageSize)
		requireT.Equal(uint64(types.PageSize), b.Len())
		if i > 0 {
			requireT.Equal(arena.Buffer(i-1).Phys()+types.PageSize, b.Phys())
		}
	}
}

func TestArenaRejectsUnalignedBufferSize(t *testing.T) {
	requireT := require.New(t)

	_, _, err := NewArena(NewIdentityMapper(), 100, 4)
	requireT.Error(err)
}

func TestIdentityMapperPhysMatchesData(t *testing.T) {
	requireT := require.New(t)

	arena, closeFn, err := NewArena(NewIdentityMapper(), types.PageSize, 1)
	requireT.NoError(err)
	t.Cleanup(closeFn)

	b := arena.Buffer(0)
	b.Bytes()[0] = 0x42

	// Identity mapping means the phys address is the data address.
	requireT.Equal(virtualAddress(b.Bytes()), b.Phys())
}

func TestPoolAcquireRelease(t *testing.T) {
	requireT := require.New(t)

	arena, closeFn, err := NewArena(NewIdentityMapper(), types.PageSize, 2)
	requireT.NoError(err)
	t.Cleanup(closeFn)

	pool := NewPool(arena)
	requireT.Equal(2, pool.Free())

	b1, err := pool.Acquire()
	requireT.NoError(err)
	b2, err := pool.Acquire()
	requireT.NoError(err)
	requireT.NotEqual(b1.Phys(), b2.Phys())

	_, err = pool.Acquire()
	requireT.Error(err)

	pool.Release(b1)
	b3, err := pool.Acquire()
	requireT.NoError(err)
	requireT.Equal(b1.Phys(), b3.Phys())
}
