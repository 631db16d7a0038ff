package nvme

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"

	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

const (
	testBlockSize = 512
	testNSBlocks  = 1024
)

func newTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(
		logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

func newTestController(t *testing.T) (*Controller, *Emulator, *void.Table) {
	return newSizedController(t, testNSBlocks)
}

func newSizedController(t *testing.T, nsBlocks uint64) (*Controller, *Emulator, *void.Table) {
	requireT := require.New(t)

	emu, closeEmu, err := NewEmulator(testBlockSize, nsBlocks)
	requireT.NoError(err)
	t.Cleanup(closeEmu)

	voids := void.NewTable(0)
	ctrl := New(Config{
		BAR:    emu,
		Mapper: dma.NewIdentityMapper(),
		Voids:  voids,
	})
	requireT.NoError(ctrl.Enable(newTestContext(t)))

	return ctrl, emu, voids
}

func newDataBuffer(t *testing.T, pages uint64) *dma.Buffer {
	requireT := require.New(t)
	arena, closeFn, err := dma.NewArena(dma.NewIdentityMapper(), pages*types.PageSize, 1)
	requireT.NoError(err)
	t.Cleanup(closeFn)
	return arena.Buffer(0)
}

func TestEnableIdentifiesNamespace(t *testing.T) {
	requireT := require.New(t)
	ctrl, _, _ := newTestController(t)

	requireT.Equal(StateReady, ctrl.State())
	requireT.Equal(uint64(testBlockSize), ctrl.BlockSize())
	requireT.Equal(uint64(testNSBlocks), ctrl.NamespaceBlocks())
}

func TestEnableMasksAllInterrupts(t *testing.T) {
	requireT := require.New(t)
	_, emu, _ := newTestController(t)

	requireT.Equal(^uint32(0), emu.regINTMS)
}

func TestSingleBlockRoundTrip(t *testing.T) {
	requireT := require.New(t)
	ctrl, _, _ := newTestController(t)
	ctx := newTestContext(t)

	buf := newDataBuffer(t, 1)
	for i := range testBlockSize {
		buf.Bytes()[i] = 0x42
	}
	requireT.NoError(ctrl.Write(ctx, 7, 1, buf))
	requireT.NoError(ctrl.Flush(ctx))

	out := newDataBuffer(t, 1)
	requireT.NoError(ctrl.Read(ctx, 7, 1, out))
	for i := range testBlockSize {
		requireT.Equal(byte(0x42), out.Bytes()[i])
	}
}

func TestTwoPageTransferUsesPRP2(t *testing.T) {
	requireT := require.New(t)
	ctrl, _, _ := newTestController(t)
	ctx := newTestContext(t)

	buf := newDataBuffer(t, 2)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte(i)
	}
	blocks := uint16(2 * types.PageSize / testBlockSize)
	requireT.NoError(ctrl.Write(ctx, 0, blocks, buf))

	out := newDataBuffer(t, 2)
	requireT.NoError(ctrl.Read(ctx, 0, blocks, out))
	requireT.Equal(buf.Bytes(), out.Bytes())
}

func TestLargeTransferUsesPRPList(t *testing.T) {
	requireT := require.New(t)
	ctrl, _, _ := newTestController(t)
	ctx := newTestContext(t)

	const pages = 4
	buf := newDataBuffer(t, pages)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte(i * 31)
	}
	blocks := uint16(pages * types.PageSize / testBlockSize)
	requireT.NoError(ctrl.Write(ctx, 8, blocks, buf))

	out := newDataBuffer(t, pages)
	requireT.NoError(ctrl.Read(ctx, 8, blocks, out))
	requireT.Equal(buf.Bytes(), out.Bytes())
}

func TestTransferBoundedByOnePRPList(t *testing.T) {
	requireT := require.New(t)
	ctrl, _, voids := newSizedController(t, 8192)
	ctx := newTestContext(t)

	// PRP1 plus a full 512-entry list page describes 513 pages; one page
	// more must be rejected before anything touches the list.
	const maxPages = 1 + types.PageSize/types.UInt64Length
	buf := newDataBuffer(t, maxPages+1)
	blocksPerPage := uint16(types.PageSize / testBlockSize)

	requireT.NoError(ctrl.Write(ctx, 0, maxPages*blocksPerPage, buf))

	recordsBefore := voids.Count()
	err := ctrl.Write(ctx, 0, (maxPages+1)*blocksPerPage, buf)
	requireT.Error(err)
	requireT.Equal(void.ReasonOutOfBounds, void.ReasonOf(err))
	requireT.Equal(recordsBefore+1, voids.Count())
	requireT.Equal(StateReady, ctrl.State())
}

func TestQueueSurvivesCompletionWraparound(t *testing.T) {
	requireT := require.New(t)
	ctrl, _, _ := newTestController(t)
	ctx := newTestContext(t)

	buf := newDataBuffer(t, 1)
	// 3x the queue depth round trips; the expected phase flips on every
	// wrap and stale entries must never be treated as fresh.
	for i := range 3 * DefaultQueueDepth {
		buf.Bytes()[0] = byte(i)
		requireT.NoError(ctrl.Write(ctx, types.LBA(i%testNSBlocks), 1, buf))
		buf.Bytes()[0] = 0
		requireT.NoError(ctrl.Read(ctx, types.LBA(i%testNSBlocks), 1, buf))
		requireT.Equal(byte(i), buf.Bytes()[0])
	}
}

func TestIOErrorRecordsVoid(t *testing.T) {
	requireT := require.New(t)
	ctrl, emu, voids := newTestController(t)
	ctx := newTestContext(t)

	emu.FailNext(1, 2, 0x81)

	buf := newDataBuffer(t, 1)
	err := ctrl.Read(ctx, 0, 1, buf)
	requireT.Error(err)
	requireT.Equal(void.ReasonIO, void.ReasonOf(err))

	r, exists := voids.Lookup(void.IDOf(err))
	requireT.True(exists)
	requireT.Equal("unrecovered read error", r.Message())
}

func TestIdentifyFailureEntersFatalAndReleasesDMA(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestContext(t)

	emu, closeEmu, err := NewEmulator(testBlockSize, testNSBlocks)
	requireT.NoError(err)
	t.Cleanup(closeEmu)
	emu.FailNext(1, 0, 0x06)

	ctrl := New(Config{
		BAR:    emu,
		Mapper: dma.NewIdentityMapper(),
		Voids:  void.NewTable(0),
	})
	requireT.Error(ctrl.Enable(ctx))
	requireT.Equal(StateFatal, ctrl.State())
	requireT.Nil(ctrl.closeArena)
	requireT.Nil(ctrl.closePRP)
}

func TestIOQueueCreationFailureEntersFatal(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestContext(t)

	emu, closeEmu, err := NewEmulator(testBlockSize, testNSBlocks)
	requireT.NoError(err)
	t.Cleanup(closeEmu)
	// Both identify rounds and create-CQ pass; create-SQ fails.
	emu.FailCommands(3, 1, 0, 0x06)

	ctrl := New(Config{
		BAR:    emu,
		Mapper: dma.NewIdentityMapper(),
		Voids:  void.NewTable(0),
	})
	requireT.Error(ctrl.Enable(ctx))
	requireT.Equal(StateFatal, ctrl.State())
	requireT.Nil(ctrl.closeArena)
	requireT.Nil(ctrl.closePRP)

	// The completion queue was rolled back with its failed partner.
	requireT.Equal(emuQueuePair{}, emu.queues[1])
}

func TestShutdown(t *testing.T) {
	requireT := require.New(t)
	ctrl, emu, _ := newTestController(t)
	ctx := newTestContext(t)

	requireT.NoError(ctrl.Shutdown(ctx))
	requireT.Equal(StateDone, ctrl.State())
	requireT.Equal(uint32(SHSTComplete), emu.Read32(RegCSTS)>>2&0b11)
}

func TestDurabilityAcrossControllerReset(t *testing.T) {
	requireT := require.New(t)
	ctrl, emu, _ := newTestController(t)
	ctx := newTestContext(t)

	buf := newDataBuffer(t, 1)
	for i := range testBlockSize {
		buf.Bytes()[i] = 0xA5
	}
	requireT.NoError(ctrl.Write(ctx, 3, 1, buf))
	requireT.NoError(ctrl.Flush(ctx))

	emu.Reset()

	ctrl2 := New(Config{
		BAR:    emu,
		Mapper: dma.NewIdentityMapper(),
		Voids:  void.NewTable(0),
	})
	requireT.NoError(ctrl2.Enable(ctx))

	out := newDataBuffer(t, 1)
	requireT.NoError(ctrl2.Read(ctx, 3, 1, out))
	for i := range testBlockSize {
		requireT.Equal(byte(0xA5), out.Bytes()[i])
	}
}

func TestWriteThenFlushOrderInJournal(t *testing.T) {
	requireT := require.New(t)
	ctrl, emu, _ := newTestController(t)
	ctx := newTestContext(t)

	emu.ClearJournal()

	buf := newDataBuffer(t, 1)
	requireT.NoError(ctrl.Write(ctx, 0, 1, buf))
	requireT.NoError(ctrl.Flush(ctx))

	requireT.Equal([]uint8{OpcWrite, OpcFlush}, emu.Journal())
}
