package nvme

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	requireT := require.New(t)

	requireT.EqualValues(CommandSize, unsafe.Sizeof(Command{}))
	requireT.EqualValues(CompletionSize, unsafe.Sizeof(Completion{}))
}

func TestCommandFieldOffsets(t *testing.T) {
	requireT := require.New(t)

	var cmd Command
	requireT.EqualValues(0, unsafe.Offsetof(cmd.OpC))
	requireT.EqualValues(2, unsafe.Offsetof(cmd.CID))
	requireT.EqualValues(4, unsafe.Offsetof(cmd.NSID))
	requireT.EqualValues(16, unsafe.Offsetof(cmd.MPTR))
	requireT.EqualValues(24, unsafe.Offsetof(cmd.PRP1))
	requireT.EqualValues(32, unsafe.Offsetof(cmd.PRP2))
	requireT.EqualValues(40, unsafe.Offsetof(cmd.CDW10))
}

func TestReadCmdEncoding(t *testing.T) {
	requireT := require.New(t)

	cmd := NewReadCmd(1, 0x1_0000_0007, 8, 0x2000, 0x3000)
	requireT.Equal(OpcRead, cmd.OpC)
	requireT.EqualValues(1, cmd.NSID)
	requireT.EqualValues(0x2000, cmd.PRP1)
	requireT.EqualValues(0x3000, cmd.PRP2)
	requireT.EqualValues(0x7, cmd.CDW10)
	requireT.EqualValues(0x1, cmd.CDW11)
	requireT.EqualValues(7, cmd.CDW12)
}

func TestCreateQueueEncoding(t *testing.T) {
	requireT := require.New(t)

	cq := NewCreateIOCQCmd(1, 64, 0x4000, 0)
	requireT.Equal(OpcCreateIOCQ, cq.OpC)
	requireT.EqualValues(0x4000, cq.PRP1)
	requireT.EqualValues(63<<16|1, cq.CDW10)
	requireT.EqualValues(0x1, cq.CDW11)

	sq := NewCreateIOSQCmd(1, 64, 0x5000, 1)
	requireT.Equal(OpcCreateIOSQ, sq.OpC)
	requireT.EqualValues(63<<16|1, sq.CDW10)
	requireT.EqualValues(1<<16|0x1, sq.CDW11)
}

func TestCompletionStatusFields(t *testing.T) {
	requireT := require.New(t)

	cpl := Completion{Status: MakeStatus(2, 0x81, 1)}
	requireT.EqualValues(1, cpl.Phase())
	requireT.EqualValues(0x81, cpl.SC())
	requireT.EqualValues(2, cpl.SCT())
	requireT.True(cpl.Failed())
	requireT.Equal("unrecovered read error", DecodeStatus(cpl.Status))

	ok := Completion{Status: MakeStatus(0, 0, 1)}
	requireT.False(ok.Failed())
	requireT.Equal("success", DecodeStatus(ok.Status))
}

func TestCapDecode(t *testing.T) {
	requireT := require.New(t)

	c := DecodeCap(uint64(63) | 10<<24 | 2<<32)
	requireT.EqualValues(64, c.MaxQueueEntries)
	requireT.EqualValues(16, c.DoorbellStride)
	requireT.EqualValues(10, c.Timeout)
}
