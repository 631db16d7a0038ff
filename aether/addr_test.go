package aether

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrRoundTrip(t *testing.T) {
	requireT := require.New(t)

	addr := MakeAddr(7, 0x12345000)
	requireT.EqualValues(7, addr.Node())
	requireT.Equal(uint64(0x12345000), addr.Offset())
	requireT.False(addr.Persistent())
}

func TestPersistentBit(t *testing.T) {
	requireT := require.New(t)

	addr := MakeAddr(3, 0x1000).MakePersistent()
	requireT.True(addr.Persistent())
	requireT.EqualValues(3, addr.Node())
	requireT.Equal(uint64(0x1000), addr.Offset())

	requireT.False(addr.MakeVolatile().Persistent())
}

func TestOffsetDoesNotLeakIntoNode(t *testing.T) {
	requireT := require.New(t)

	addr := MakeAddr(0, OffsetMask)
	requireT.EqualValues(0, addr.Node())
	requireT.Equal(uint64(OffsetMask), addr.Offset())

	// Offsets above the mask must not corrupt the node bits.
	addr = MakeAddr(1, 1<<50|0x2000)
	requireT.EqualValues(1, addr.Node())
	requireT.Equal(uint64(0x2000), addr.Offset())
}
