package nvme

import (
	"fmt"
	"unsafe"

	"github.com/outofforest/seraph/types"
)

// Admin opcodes.
const (
	OpcDeleteIOSQ uint8 = 0x00
	OpcCreateIOSQ uint8 = 0x01
	OpcDeleteIOCQ uint8 = 0x04
	OpcCreateIOCQ uint8 = 0x05
	OpcIdentify   uint8 = 0x06
)

// NVM command set opcodes.
const (
	OpcFlush uint8 = 0x00
	OpcWrite uint8 = 0x01
	OpcRead  uint8 = 0x02
)

// Identify CNS values.
const (
	CNSNamespace  uint32 = 0x00
	CNSController uint32 = 0x01
)

// CommandSize is the size of a submission queue entry.
const CommandSize = 64

// CompletionSize is the size of a completion queue entry.
const CompletionSize = 16

// Command is a submission queue entry. The layout is fixed by NVMe 1.4 and
// must stay bit-exact.
type Command struct {
	OpC   uint8
	Flags uint8
	CID   uint16
	NSID  uint32
	_     [8]byte
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Completion is a completion queue entry.
type Completion struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

var (
	_ = [1]struct{}{}[CommandSize-unsafe.Sizeof(Command{})]
	_ = [1]struct{}{}[CompletionSize-unsafe.Sizeof(Completion{})]
)

// Phase returns the validity phase bit of the entry.
func (c *Completion) Phase() uint16 {
	return c.Status & 1
}

// SC returns the status code.
func (c *Completion) SC() uint8 {
	return uint8(c.Status >> 1)
}

// SCT returns the status code type.
func (c *Completion) SCT() uint8 {
	return uint8(c.Status >> 9 & 0x7)
}

// Failed reports whether the completion carries a non-success status.
func (c *Completion) Failed() bool {
	return c.Status>>1 != 0
}

// MakeStatus composes a completion status field from its parts.
func MakeStatus(sct, sc uint8, phase uint16) uint16 {
	return uint16(sct&0x7)<<9 | uint16(sc)<<1 | phase&1
}

// NewReadCmd builds a read of blocks logical blocks starting at lba.
func NewReadCmd(nsid uint32, lba types.LBA, blocks uint16, prp1, prp2 uint64) Command {
	return Command{
		OpC:   OpcRead,
		NSID:  nsid,
		PRP1:  prp1,
		PRP2:  prp2,
		CDW10: uint32(lba),
		CDW11: uint32(lba >> 32),
		CDW12: uint32(blocks) - 1,
	}
}

// NewWriteCmd builds a write of blocks logical blocks starting at lba.
func NewWriteCmd(nsid uint32, lba types.LBA, blocks uint16, prp1, prp2 uint64) Command {
	return Command{
		OpC:   OpcWrite,
		NSID:  nsid,
		PRP1:  prp1,
		PRP2:  prp2,
		CDW10: uint32(lba),
		CDW11: uint32(lba >> 32),
		CDW12: uint32(blocks) - 1,
	}
}

// NewFlushCmd builds a flush of the namespace's volatile write cache.
func NewFlushCmd(nsid uint32) Command {
	return Command{
		OpC:  OpcFlush,
		NSID: nsid,
	}
}

// NewIdentifyCmd builds an identify command transferring one page into prp1.
func NewIdentifyCmd(cns, nsid uint32, prp1 uint64) Command {
	return Command{
		OpC:   OpcIdentify,
		NSID:  nsid,
		PRP1:  prp1,
		CDW10: cns,
	}
}

// NewCreateIOCQCmd builds a create-I/O-completion-queue command. The queue
// is physically contiguous and interrupts stay disabled; completion is by
// polling only.
func NewCreateIOCQCmd(qid, size uint16, cqPhys uint64, vector uint16) Command {
	return Command{
		OpC:   OpcCreateIOCQ,
		PRP1:  cqPhys,
		CDW10: uint32(size-1)<<16 | uint32(qid),
		CDW11: uint32(vector)<<16 | 0x1, // PC=1, IEN=0
	}
}

// NewCreateIOSQCmd builds a create-I/O-submission-queue command bound to
// completion queue cqid with urgent priority.
func NewCreateIOSQCmd(qid, size uint16, sqPhys uint64, cqid uint16) Command {
	return Command{
		OpC:   OpcCreateIOSQ,
		PRP1:  sqPhys,
		CDW10: uint32(size-1)<<16 | uint32(qid),
		CDW11: uint32(cqid)<<16 | 0x1, // QPRIO=urgent, PC=1
	}
}

// NewDeleteIOCQCmd builds a delete-I/O-completion-queue command.
func NewDeleteIOCQCmd(qid uint16) Command {
	return Command{
		OpC:   OpcDeleteIOCQ,
		CDW10: uint32(qid),
	}
}

// NewDeleteIOSQCmd builds a delete-I/O-submission-queue command.
func NewDeleteIOSQCmd(qid uint16) Command {
	return Command{
		OpC:   OpcDeleteIOSQ,
		CDW10: uint32(qid),
	}
}

var genericStatus = map[uint8]string{
	0x00: "success",
	0x01: "invalid opcode",
	0x02: "invalid field",
	0x03: "command id conflict",
	0x04: "data transfer error",
	0x05: "aborted, power loss",
	0x06: "internal error",
	0x07: "aborted by request",
	0x08: "aborted, sq deleted",
	0x09: "aborted, failed fuse",
	0x0A: "aborted, missing fuse",
	0x0B: "invalid namespace or format",
	0x0C: "command sequence error",
}

var mediaStatus = map[uint8]string{
	0x80: "write fault",
	0x81: "unrecovered read error",
	0x82: "end-to-end guard check error",
	0x83: "end-to-end application tag check error",
	0x84: "end-to-end reference tag check error",
	0x85: "compare failure",
	0x86: "access denied",
	0x87: "deallocated or unwritten logical block",
}

// DecodeStatus renders a completion status field as a short message for
// archaeology records.
func DecodeStatus(status uint16) string {
	sct := uint8(status >> 9 & 0x7)
	sc := uint8(status >> 1)
	var msg string
	var exists bool
	switch sct {
	case 0:
		msg, exists = genericStatus[sc]
	case 1:
		msg, exists = "command specific error", true
	case 2:
		msg, exists = mediaStatus[sc]
	}
	if !exists {
		return fmt.Sprintf("sct %#x sc %#x", sct, sc)
	}
	return msg
}
