package atlas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"

	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/nvme"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

const testNSBlocks = 1024

func newTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(
		logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

func newTestCache(t *testing.T, slots uint32) (*Cache, *nvme.Controller, *nvme.Emulator) {
	requireT := require.New(t)

	emu, closeEmu, err := nvme.NewEmulator(types.SectorSize, testNSBlocks)
	requireT.NoError(err)
	t.Cleanup(closeEmu)

	ctrl := nvme.New(nvme.Config{
		BAR:    emu,
		Mapper: dma.NewIdentityMapper(),
		Voids:  void.NewTable(0),
	})
	requireT.NoError(ctrl.Enable(newTestContext(t)))

	cache, closeCache, err := New(Config{
		Controller: ctrl,
		Mapper:     dma.NewIdentityMapper(),
		Voids:      void.NewTable(0),
		Slots:      slots,
	})
	requireT.NoError(err)
	t.Cleanup(closeCache)

	return cache, ctrl, emu
}

func writeMedia(t *testing.T, ctrl *nvme.Controller, offset uint64, pattern byte) {
	requireT := require.New(t)
	arena, closeFn, err := dma.NewArena(dma.NewIdentityMapper(), types.PageSize, 1)
	requireT.NoError(err)
	t.Cleanup(closeFn)

	buf := arena.Buffer(0)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = pattern
	}
	requireT.NoError(ctrl.Write(newTestContext(t), types.LBA(offset/types.SectorSize),
		types.BlocksPerPage, buf))
}

func readMedia(t *testing.T, ctrl *nvme.Controller, offset uint64) []byte {
	requireT := require.New(t)
	arena, closeFn, err := dma.NewArena(dma.NewIdentityMapper(), types.PageSize, 1)
	requireT.NoError(err)
	t.Cleanup(closeFn)

	buf := arena.Buffer(0)
	requireT.NoError(ctrl.Read(newTestContext(t), types.LBA(offset/types.SectorSize),
		types.BlocksPerPage, buf))
	return buf.Bytes()
}

// lruLength walks the list from head to tail and verifies link symmetry.
func lruLength(t *testing.T, cache *Cache) int {
	requireT := require.New(t)
	var n int
	prev := noSlot
	for slot := cache.lruHead; slot != noSlot; slot = cache.entries[slot].next {
		requireT.Equal(prev, cache.entries[slot].prev)
		state := cache.entries[slot].state
		requireT.True(state == stateClean || state == stateDirty)
		prev = slot
		n++
	}
	requireT.Equal(prev, cache.lruTail)
	return n
}

func validCount(cache *Cache) int {
	var n int
	for i := range cache.entries {
		if cache.entries[i].state != stateInvalid {
			n++
		}
	}
	return n
}

func TestFetchMissThenHit(t *testing.T) {
	requireT := require.New(t)
	cache, ctrl, _ := newTestCache(t, 4)
	ctx := newTestContext(t)

	writeMedia(t, ctrl, 0, 0x42)

	page, err := cache.FetchPage(ctx, 0)
	requireT.NoError(err)
	for i := range page {
		requireT.Equal(byte(0x42), page[i])
	}

	again, err := cache.FetchPage(ctx, 100) // same page, unaligned offset
	requireT.NoError(err)
	requireT.Equal(&page[0], &again[0])

	requireT.Equal(uint64(1), cache.Stats().Misses)
	requireT.Equal(uint64(1), cache.Stats().Hits)
	requireT.Equal(validCount(cache), lruLength(t, cache))
}

func TestLRUEviction(t *testing.T) {
	requireT := require.New(t)
	cache, ctrl, _ := newTestCache(t, 4)
	ctx := newTestContext(t)

	writeMedia(t, ctrl, 0, 0x17)

	for _, offset := range []uint64{0, 4096, 8192, 12288, 16384} {
		_, err := cache.FetchPage(ctx, offset)
		requireT.NoError(err)
	}

	requireT.Equal(uint64(1), cache.Stats().Evictions)
	_, resident := cache.resident[0]
	requireT.False(resident)

	// Refetch causes an NVMe read and returns the bytes written to LBA 0.
	misses := cache.Stats().Misses
	page, err := cache.FetchPage(ctx, 0)
	requireT.NoError(err)
	requireT.Equal(misses+1, cache.Stats().Misses)
	for i := range page {
		requireT.Equal(byte(0x17), page[i])
	}
	requireT.Equal(validCount(cache), lruLength(t, cache))
}

func TestDirtyWriteback(t *testing.T) {
	requireT := require.New(t)
	cache, ctrl, _ := newTestCache(t, 4)
	ctx := newTestContext(t)

	page, err := cache.FetchPage(ctx, 0)
	requireT.NoError(err)
	for i := range page {
		page[i] = 0x99
	}
	cache.MarkDirty(0)

	// Force eviction of page 0 by filling the remaining slots.
	for _, offset := range []uint64{4096, 8192, 12288, 16384} {
		_, err := cache.FetchPage(ctx, offset)
		requireT.NoError(err)
	}

	requireT.Equal(uint64(1), cache.Stats().Writebacks)
	media := readMedia(t, ctrl, 0)
	for i := range media {
		requireT.Equal(byte(0x99), media[i])
	}
}

func TestPinnedPagesAreNotEvicted(t *testing.T) {
	requireT := require.New(t)
	cache, _, _ := newTestCache(t, 2)
	ctx := newTestContext(t)

	_, err := cache.FetchPage(ctx, 0)
	requireT.NoError(err)
	requireT.True(cache.Pin(0))

	_, err = cache.FetchPage(ctx, 4096)
	requireT.NoError(err)

	_, err = cache.FetchPage(ctx, 8192)
	requireT.NoError(err)

	_, resident := cache.resident[0]
	requireT.True(resident)
	_, resident = cache.resident[4096]
	requireT.False(resident)

	// With every slot pinned the cache reports full instead of a void.
	requireT.True(cache.Pin(8192))
	_, err = cache.FetchPage(ctx, 12288)
	requireT.Error(err)
	requireT.Zero(void.IDOf(err))

	cache.Unpin(8192)
	_, err = cache.FetchPage(ctx, 12288)
	requireT.NoError(err)
}

func TestFlushAllWritesBackAndFlushes(t *testing.T) {
	requireT := require.New(t)
	cache, ctrl, emu := newTestCache(t, 4)
	ctx := newTestContext(t)

	page, err := cache.FetchPage(ctx, 8192)
	requireT.NoError(err)
	page[0] = 0xEE
	cache.MarkDirty(8192)

	emu.ClearJournal()
	requireT.NoError(cache.FlushAll(ctx))

	journal := emu.Journal()
	requireT.Equal([]uint8{nvme.OpcWrite, nvme.OpcFlush}, journal)
	requireT.Equal(byte(0xEE), readMedia(t, ctrl, 8192)[0])

	// The entry is clean now; flushing again writes nothing.
	emu.ClearJournal()
	requireT.NoError(cache.FlushAll(ctx))
	requireT.Equal([]uint8{nvme.OpcFlush}, emu.Journal())
}

func TestWritebackFailureKeepsEntryDirty(t *testing.T) {
	requireT := require.New(t)
	cache, _, emu := newTestCache(t, 4)
	ctx := newTestContext(t)

	page, err := cache.FetchPage(ctx, 0)
	requireT.NoError(err)
	page[0] = 0x01
	cache.MarkDirty(0)

	emu.FailNext(1, 2, 0x80)
	err = cache.FlushAll(ctx)
	requireT.Error(err)
	requireT.Equal(void.ReasonPropagated, void.ReasonOf(err))

	slot := cache.resident[0]
	requireT.Equal(stateDirty, cache.entries[slot].state)

	// Retry succeeds once the fault clears.
	requireT.NoError(cache.FlushAll(ctx))
	requireT.Equal(stateClean, cache.entries[slot].state)
}

func TestAccessTimeMonotonic(t *testing.T) {
	requireT := require.New(t)
	cache, _, _ := newTestCache(t, 4)
	ctx := newTestContext(t)

	var last uint64
	for range 10 {
		_, err := cache.FetchPage(ctx, 4096)
		requireT.NoError(err)
		slot := cache.resident[4096]
		requireT.Greater(cache.entries[slot].accessTime, last)
		last = cache.entries[slot].accessTime
	}
}

func TestHandleFault(t *testing.T) {
	requireT := require.New(t)
	cache, _, _ := newTestCache(t, 4)
	ctx := newTestContext(t)

	handled, err := cache.HandleFault(ctx, 0x1000)
	requireT.NoError(err)
	requireT.False(handled)

	handled, err = cache.HandleFault(ctx, types.AtlasOrigin+8192+17)
	requireT.NoError(err)
	requireT.True(handled)

	_, resident := cache.resident[8192]
	requireT.True(resident)
}

func TestRoundTripAcrossShutdown(t *testing.T) {
	requireT := require.New(t)
	cache, ctrl, _ := newTestCache(t, 4)
	ctx := newTestContext(t)

	page, err := cache.FetchPage(ctx, 12288)
	requireT.NoError(err)
	for i := range page {
		page[i] = 0x5C
	}
	cache.MarkDirty(12288)
	requireT.NoError(cache.Shutdown(ctx))
	requireT.Zero(validCount(cache))

	fresh, closeFresh, err := New(Config{
		Controller: ctrl,
		Mapper:     dma.NewIdentityMapper(),
		Voids:      void.NewTable(0),
		Slots:      4,
	})
	requireT.NoError(err)
	t.Cleanup(closeFresh)

	got, err := fresh.FetchPage(ctx, 12288)
	requireT.NoError(err)
	for i := range got {
		requireT.Equal(byte(0x5C), got[i])
	}
}
