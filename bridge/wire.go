package bridge

import (
	"github.com/cespare/xxhash"

	"github.com/outofforest/seraph/aether"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

// MessageType identifies a frame on the Aether wire. The numeric values are
// the bridge's stable extensions of the Aether message space.
type MessageType uint8

// Wire message types.
const (
	MsgRDMAReadPersist   MessageType = 0x10
	MsgRDMAWritePersist  MessageType = 0x11
	MsgRDMASyncPersist   MessageType = 0x12
	MsgRDMASnapshot      MessageType = 0x13
	MsgRDMAReadResponse  MessageType = 0x14
	MsgRDMAWriteComplete MessageType = 0x15
	MsgRDMASnapshotAck   MessageType = 0x16
	MsgRDMAError         MessageType = 0x1F
)

// Frame is one bridge message. Write payloads carry an xxhash checksum so
// corruption in transit surfaces as a crc failure instead of silently
// reaching media.
type Frame struct {
	Type        MessageType
	Source      types.NodeID
	Target      types.NodeID
	OperationID types.OperationID
	Addr        aether.Address
	Size        uint64
	Generation  types.Generation
	Status      types.OpStatus
	Checksum    uint64
	VoidID      types.VoidID
	Payload     []byte
}

// ChecksumOf computes the payload checksum carried in write frames.
func ChecksumOf(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// reasonFor translates a final operation status into the archaeology reason
// recorded for it. The table is part of the bridge contract.
func reasonFor(status types.OpStatus) void.Reason {
	switch status {
	case types.StatusTimeout:
		return void.ReasonTimeout
	case types.StatusNVMeError:
		return void.ReasonHWNVMe
	case types.StatusNetworkError:
		return void.ReasonNetwork
	case types.StatusGenerationMismatch:
		return void.ReasonGeneration
	case types.StatusNotFound:
		return void.ReasonNotFound
	case types.StatusPermissionDenied:
		return void.ReasonPermission
	case types.StatusOutOfMemory:
		return void.ReasonAllocFail
	case types.StatusOK, types.StatusPending:
		return void.ReasonUnknown
	default:
		return void.ReasonNetwork
	}
}
