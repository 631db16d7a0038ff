package nvme

import (
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/photon"

	"github.com/outofforest/seraph/types"
)

// NewEmulator creates a memory-backed NVMe 1.4 controller exposing the BAR
// register protocol. It executes commands synchronously on doorbell writes,
// which matches the single-writer queue discipline of the driver. Used by
// tests and by callers running without hardware.
func NewEmulator(blockSize, nsBlocks uint64) (*Emulator, func(), error) {
	if bits.OnesCount64(blockSize) != 1 {
		return nil, nil, errors.Errorf("block size %d is not a power of two", blockSize)
	}
	size := blockSize * nsBlocks
	opts := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	ns, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "namespace allocation failed")
	}

	return &Emulator{
			blockSize: blockSize,
			nsBlocks:  nsBlocks,
			ns:        ns,
		}, func() {
			_ = unix.Munmap(ns)
		}, nil
}

// Emulator is an in-memory NVMe controller. The namespace survives
// controller resets; only media-level state is persistent.
type Emulator struct {
	blockSize uint64
	nsBlocks  uint64
	ns        []byte

	regCC    uint32
	regAQA   uint32
	regASQ   uint64
	regACQ   uint64
	regINTMS uint32
	ready    bool
	shst     uint32

	queues [2]emuQueuePair

	failSkip   int
	failCount  int
	failStatus uint16
	journal    []uint8
}

type emuQueuePair struct {
	present bool
	sqPhys  uint64
	cqPhys  uint64
	depth   uint32
	sqHead  uint32
	cqTail  uint32
	phase   uint16
}

func hostBytes(phys, size uint64) []byte {
	return photon.SliceFromPointer[byte](unsafe.Pointer(uintptr(phys)), int(size))
}

// Read64 implements BAR.
func (e *Emulator) Read64(offset uint64) uint64 {
	switch offset {
	case RegCAP:
		// MQES 63, DSTRD 0, TO 10 (5 s).
		return uint64(DefaultQueueDepth-1) | 10<<capTOShift
	case RegASQ:
		return e.regASQ
	case RegACQ:
		return e.regACQ
	default:
		return 0
	}
}

// Write64 implements BAR.
func (e *Emulator) Write64(offset, value uint64) {
	switch offset {
	case RegASQ:
		e.regASQ = value
	case RegACQ:
		e.regACQ = value
	}
}

// Read32 implements BAR.
func (e *Emulator) Read32(offset uint64) uint32 {
	switch offset {
	case RegVS:
		return 0x0001_0400
	case RegCC:
		return e.regCC
	case RegCSTS:
		var csts uint32
		if e.ready {
			csts |= CSTSReady
		}
		csts |= e.shst << cstsSHSTShift
		return csts
	case RegAQA:
		return e.regAQA
	default:
		return 0
	}
}

// Write32 implements BAR.
func (e *Emulator) Write32(offset uint64, value uint32) {
	switch {
	case offset == RegCC:
		e.writeCC(value)
	case offset == RegAQA:
		e.regAQA = value
	case offset == RegINTMS:
		// INTMS is write-1-to-set; clearing would go through INTMC,
		// which no polling host touches.
		e.regINTMS |= value
	case offset >= DoorbellBase:
		e.writeDoorbell(offset, value)
	}
}

func (e *Emulator) writeCC(value uint32) {
	wasEnabled := e.regCC&CCEnable != 0
	e.regCC = value

	switch {
	case value&CCEnable != 0 && !wasEnabled:
		depth := e.regAQA&0xFFF + 1
		e.queues[0] = emuQueuePair{
			present: true,
			sqPhys:  e.regASQ,
			cqPhys:  e.regACQ,
			depth:   depth,
			phase:   1,
		}
		e.ready = true
	case value&CCEnable == 0 && wasEnabled:
		e.queues = [2]emuQueuePair{}
		e.ready = false
	}

	if value&CCShutdownNormal != 0 {
		e.shst = SHSTComplete
	}
}

func (e *Emulator) writeDoorbell(offset uint64, value uint32) {
	index := (offset - DoorbellBase) / 4
	qid := index / 2
	if qid >= uint64(len(e.queues)) || !e.queues[qid].present {
		return
	}
	if index%2 == 1 {
		// CQ head updates only release entries; nothing to track since
		// completions are produced synchronously.
		return
	}
	e.processSQ(uint16(qid), value)
}

func (e *Emulator) processSQ(qid uint16, tail uint32) {
	qp := &e.queues[qid]
	for qp.sqHead != tail {
		cmd := *photon.FromBytes[Command](
			hostBytes(qp.sqPhys+uint64(qp.sqHead)*CommandSize, CommandSize))
		qp.sqHead = (qp.sqHead + 1) % qp.depth

		var status uint16
		if qid == 0 {
			status = e.execAdmin(cmd)
		} else {
			status = e.execIO(cmd)
		}
		e.postCompletion(qid, cmd.CID, status)
	}
}

func (e *Emulator) postCompletion(qid uint16, cid, status uint16) {
	qp := &e.queues[qid]
	cpl := Completion{
		SQHead: uint16(qp.sqHead),
		SQID:   qid,
		CID:    cid,
		Status: status | qp.phase&1,
	}
	copy(hostBytes(qp.cqPhys+uint64(qp.cqTail)*CompletionSize, CompletionSize),
		photon.NewFromValue(&cpl).B)
	qp.cqTail++
	if qp.cqTail == qp.depth {
		qp.cqTail = 0
		qp.phase ^= 1
	}
}

// injectFailure consumes one armed fault, if any.
func (e *Emulator) injectFailure() (uint16, bool) {
	if e.failSkip > 0 {
		e.failSkip--
		return 0, false
	}
	if e.failCount > 0 {
		e.failCount--
		return e.failStatus, true
	}
	return 0, false
}

func (e *Emulator) execAdmin(cmd Command) uint16 {
	if status, failed := e.injectFailure(); failed {
		return status
	}

	switch cmd.OpC {
	case OpcIdentify:
		return e.execIdentify(cmd)
	case OpcCreateIOCQ:
		qid := cmd.CDW10 & 0xFFFF
		if qid != ioQueueID {
			return MakeStatus(0, 0x02, 0)
		}
		e.queues[1].cqPhys = cmd.PRP1
		e.queues[1].depth = cmd.CDW10>>16 + 1
		e.queues[1].phase = 1
		return 0
	case OpcCreateIOSQ:
		qid := cmd.CDW10 & 0xFFFF
		if qid != ioQueueID || cmd.CDW11>>16 != ioQueueID || e.queues[1].depth == 0 {
			return MakeStatus(0, 0x02, 0)
		}
		e.queues[1].sqPhys = cmd.PRP1
		e.queues[1].present = true
		return 0
	case OpcDeleteIOSQ, OpcDeleteIOCQ:
		if cmd.CDW10&0xFFFF != ioQueueID {
			return MakeStatus(0, 0x02, 0)
		}
		if cmd.OpC == OpcDeleteIOSQ {
			e.queues[1].present = false
		} else {
			e.queues[1] = emuQueuePair{}
		}
		return 0
	default:
		return MakeStatus(0, 0x01, 0)
	}
}

func (e *Emulator) execIdentify(cmd Command) uint16 {
	page := hostBytes(cmd.PRP1, types.PageSize)
	clear(page)

	switch cmd.CDW10 {
	case CNSController:
		// Serial number, fixed ASCII per identify layout.
		copy(page[4:24], "SERAPH-EMU          ")
	case CNSNamespace:
		if cmd.NSID != nsID {
			return MakeStatus(0, 0x0B, 0)
		}
		*photon.FromBytes[uint64](page[:types.UInt64Length]) = e.nsBlocks
		page[26] = 0 // FLBAS: format 0
		page[128+2] = uint8(bits.TrailingZeros64(e.blockSize))
	default:
		return MakeStatus(0, 0x02, 0)
	}
	return 0
}

func (e *Emulator) execIO(cmd Command) uint16 {
	e.journal = append(e.journal, cmd.OpC)

	if status, failed := e.injectFailure(); failed {
		return status
	}

	switch cmd.OpC {
	case OpcFlush:
		return 0
	case OpcRead, OpcWrite:
		if cmd.NSID != nsID {
			return MakeStatus(0, 0x0B, 0)
		}
		lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
		blocks := uint64(cmd.CDW12) + 1
		if lba+blocks > e.nsBlocks {
			return MakeStatus(0, 0x02, 0)
		}
		size := blocks * e.blockSize
		media := e.ns[lba*e.blockSize : lba*e.blockSize+size]
		for _, chunk := range gatherPRP(cmd.PRP1, cmd.PRP2, size) {
			if cmd.OpC == OpcWrite {
				copy(media, chunk)
			} else {
				copy(chunk, media)
			}
			media = media[len(chunk):]
		}
		return 0
	default:
		return MakeStatus(0, 0x01, 0)
	}
}

// gatherPRP resolves the PRP1/PRP2 descriptors of a transfer into host
// chunks, following the list format for transfers above two pages.
func gatherPRP(prp1, prp2, size uint64) [][]byte {
	pages := (size + types.PageSize - 1) / types.PageSize
	chunks := make([][]byte, 0, pages)

	chunkSize := func(i uint64) uint64 {
		if i == pages-1 {
			return size - i*types.PageSize
		}
		return types.PageSize
	}

	chunks = append(chunks, hostBytes(prp1, chunkSize(0)))
	switch {
	case pages == 1:
	case pages == 2:
		chunks = append(chunks, hostBytes(prp2, chunkSize(1)))
	default:
		entries := photon.SliceFromPointer[uint64](
			unsafe.Pointer(uintptr(prp2)), int(pages-1))
		for i := uint64(1); i < pages; i++ {
			chunks = append(chunks, hostBytes(entries[i-1], chunkSize(i)))
		}
	}
	return chunks
}

// FailNext makes the next n commands, admin or I/O, complete with the given
// status.
func (e *Emulator) FailNext(n int, sct, sc uint8) {
	e.FailCommands(0, n, sct, sc)
}

// FailCommands lets the next skip commands through, then fails the n after
// them with the given status.
func (e *Emulator) FailCommands(skip, n int, sct, sc uint8) {
	e.failSkip = skip
	e.failCount = n
	e.failStatus = MakeStatus(sct, sc, 0)
}

// Journal returns the opcodes of I/O commands in execution order.
func (e *Emulator) Journal() []uint8 {
	return e.journal
}

// ClearJournal resets the opcode journal.
func (e *Emulator) ClearJournal() {
	e.journal = e.journal[:0]
}

// Reset models a controller reset: register and queue state is lost, the
// namespace media survives.
func (e *Emulator) Reset() {
	e.regCC = 0
	e.regAQA = 0
	e.regASQ = 0
	e.regACQ = 0
	e.regINTMS = 0
	e.ready = false
	e.shst = 0
	e.queues = [2]emuQueuePair{}
	e.failSkip = 0
	e.failCount = 0
}
