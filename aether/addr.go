// Package aether holds the address codec shared with the distributed
// shared-memory substrate. The bridge consumes these accessors; the rest of
// the Aether machinery lives outside this repository.
package aether

import (
	"github.com/outofforest/seraph/types"
)

// Address is a node-qualified Aether virtual address.
//
// Bit layout:
//
//	[44:0]  node-local offset
//	[45]    persistent (NVMe-backed)
//	[61:46] node id
type Address uint64

const (
	// OffsetMask selects the node-local offset bits.
	OffsetMask = 1<<45 - 1

	// PersistentBit marks an address as NVMe-backed.
	PersistentBit = 1 << 45

	nodeShift = 46
	nodeMask  = 1<<16 - 1
)

// MakeAddr composes an address from a node id and a node-local offset.
func MakeAddr(node types.NodeID, offset uint64) Address {
	return Address(uint64(node)<<nodeShift | offset&OffsetMask)
}

// Node extracts the node id.
func (a Address) Node() types.NodeID {
	return types.NodeID(a >> nodeShift & nodeMask)
}

// Offset extracts the node-local offset.
func (a Address) Offset() uint64 {
	return uint64(a) & OffsetMask
}

// Persistent reports whether the address is NVMe-backed.
func (a Address) Persistent() bool {
	return a&PersistentBit != 0
}

// MakePersistent sets the persistent bit.
func (a Address) MakePersistent() Address {
	return a | PersistentBit
}

// MakeVolatile clears the persistent bit.
func (a Address) MakeVolatile() Address {
	return a &^ PersistentBit
}
