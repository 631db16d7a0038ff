package nvme

import (
	"context"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/photon"

	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

// State enumerates controller lifecycle states.
type State uint8

// Controller lifecycle states.
const (
	StateUnmapped State = iota
	StateDisabled
	StateEnabling
	StateReady
	StateShuttingDown
	StateDone
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateUnmapped:
		return "unmapped"
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateDone:
		return "done"
	case StateFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

const (
	// DefaultQueueDepth is the depth of both queue pairs. 64 entries keep
	// the submission queue inside a single physically-contiguous page.
	DefaultQueueDepth = 64

	// DefaultAdminTimeout bounds admin command completion.
	DefaultAdminTimeout = 5 * time.Second

	// DefaultIOTimeout bounds I/O command completion.
	DefaultIOTimeout = 30 * time.Second

	nsID       = 1
	ioQueueID  = 1
	prpPoolLen = 4

	// maxTransferPages caps a single transfer at what PRP1 plus one PRP
	// list page can describe. List chaining is not implemented.
	maxTransferPages = 1 + types.PageSize/types.UInt64Length
)

// Config configures a controller instance.
type Config struct {
	BAR    BAR
	Mapper dma.Mapper
	Voids  *void.Table

	// QueueDepth 0 means DefaultQueueDepth.
	QueueDepth   uint16
	AdminTimeout time.Duration
	IOTimeout    time.Duration
}

// New creates a controller driver over a mapped BAR0. The controller is not
// touched until Enable.
func New(config Config) *Controller {
	if config.QueueDepth == 0 || config.QueueDepth > DefaultQueueDepth {
		config.QueueDepth = DefaultQueueDepth
	}
	if config.AdminTimeout == 0 {
		config.AdminTimeout = DefaultAdminTimeout
	}
	if config.IOTimeout == 0 {
		config.IOTimeout = DefaultIOTimeout
	}
	return &Controller{
		config: config,
		state:  StateUnmapped,
	}
}

// Controller drives one NVMe 1.4 controller through its admin queue and a
// single I/O queue pair. It is single-threaded; wrap it in a lock or a
// single-owner goroutine to share it.
type Controller struct {
	config Config
	state  State

	cap     Cap
	admin   *Queue
	io      *Queue
	arena   *dma.Arena
	prpPool *dma.Pool

	closeArena func()
	closePRP   func()

	blockSize uint64
	nsBlocks  uint64
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// BlockSize returns the namespace logical block size in bytes.
func (c *Controller) BlockSize() uint64 {
	return c.blockSize
}

// NamespaceBlocks returns the namespace size in logical blocks.
func (c *Controller) NamespaceBlocks() uint64 {
	return c.nsBlocks
}

// Enable brings the controller from unmapped to ready: reads capabilities,
// disables a previously-enabled controller, programs the admin queue,
// enables, identifies the namespace and creates the I/O queue pair.
func (c *Controller) Enable(ctx context.Context) error {
	if c.state != StateUnmapped {
		return errors.Errorf("enable in state %s", c.state)
	}

	raw := c.config.BAR.Read64(RegCAP)
	c.cap = DecodeCap(raw)
	c.state = StateDisabled

	if vs := c.config.BAR.Read32(RegVS); vs < 0x10000 {
		return c.fatal(void.ReasonHWPCIe, uint64(vs), 0, "nvme version below 1.0")
	}

	readyTimeout := time.Duration(c.cap.Timeout) * 500 * time.Millisecond

	if c.config.BAR.Read32(RegCC)&CCEnable != 0 {
		c.config.BAR.Write32(RegCC, 0)
		if !c.waitReady(false, readyTimeout) {
			return c.fatal(void.ReasonHWTimeout, 0, 0, "controller would not disable")
		}
	}

	depth := c.config.QueueDepth
	arena, closeArena, err := dma.NewArena(c.config.Mapper, types.PageSize, 5)
	if err != nil {
		return errors.Wrapf(err, "admin queue allocation failed")
	}
	c.arena = arena
	c.closeArena = closeArena

	prpArena, closePRP, err := dma.NewArena(c.config.Mapper, types.PageSize, prpPoolLen)
	if err != nil {
		closeArena()
		return errors.Wrapf(err, "prp pool allocation failed")
	}
	c.prpPool = dma.NewPool(prpArena)
	c.closePRP = closePRP

	adminSQ, adminCQ := arena.Buffer(0), arena.Buffer(1)
	ioSQ, ioCQ := arena.Buffer(2), arena.Buffer(3)

	c.state = StateEnabling

	c.config.BAR.Write32(RegAQA, uint32(depth-1)<<16|uint32(depth-1))
	c.config.BAR.Write64(RegASQ, adminSQ.Phys())
	c.config.BAR.Write64(RegACQ, adminCQ.Phys())

	// Completions are observed by polling; every interrupt vector stays
	// masked.
	c.config.BAR.Write32(RegINTMS, ^uint32(0))
	c.config.BAR.Write32(RegCC, CCEnable|ccIOSQES|ccIOCQES)

	if !c.waitReady(true, readyTimeout) {
		return c.fatal(void.ReasonHWTimeout, 0, 0, "controller would not enable")
	}

	c.admin = NewQueue(c.config.BAR, 0, depth, adminSQ, adminCQ, c.cap.DoorbellStride, c.config.Voids)

	if err := c.identify(ctx); err != nil {
		c.state = StateFatal
		c.releaseDMA()
		return err
	}

	if err := c.createIOQueues(ctx, ioSQ, ioCQ); err != nil {
		c.state = StateFatal
		c.releaseDMA()
		return err
	}
	c.io = NewQueue(c.config.BAR, ioQueueID, depth, ioSQ, ioCQ, c.cap.DoorbellStride, c.config.Voids)

	c.state = StateReady

	logger.Get(ctx).Info("nvme controller ready",
		zap.Uint64("blockSize", c.blockSize),
		zap.Uint64("namespaceBlocks", c.nsBlocks),
		zap.Uint16("queueDepth", depth),
	)

	return nil
}

// Shutdown performs a normal controller shutdown and releases all DMA
// memory.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.state != StateReady {
		return errors.Errorf("shutdown in state %s", c.state)
	}
	c.state = StateShuttingDown

	cc := c.config.BAR.Read32(RegCC)
	c.config.BAR.Write32(RegCC, cc|CCShutdownNormal)

	readyTimeout := time.Duration(c.cap.Timeout) * 500 * time.Millisecond
	deadline := time.Now().Add(readyTimeout)
	for c.config.BAR.Read32(RegCSTS)>>cstsSHSTShift&cstsSHSTMask != SHSTComplete {
		if time.Now().After(deadline) {
			return c.fatal(void.ReasonHWTimeout, 0, 0, "shutdown did not complete")
		}
		time.Sleep(pollInterval)
	}

	c.releaseDMA()
	c.state = StateDone

	logger.Get(ctx).Info("nvme controller shut down")
	return nil
}

// Read reads blocks logical blocks starting at lba into buf.
func (c *Controller) Read(ctx context.Context, lba types.LBA, blocks uint16, buf *dma.Buffer) error {
	return c.transfer(ctx, OpcRead, lba, blocks, buf)
}

// Write writes blocks logical blocks starting at lba from buf.
func (c *Controller) Write(ctx context.Context, lba types.LBA, blocks uint16, buf *dma.Buffer) error {
	return c.transfer(ctx, OpcWrite, lba, blocks, buf)
}

// Flush commits the namespace's volatile write cache to media. Writes whose
// completions were observed before this flush are durable once it returns.
func (c *Controller) Flush(ctx context.Context) error {
	if c.state != StateReady {
		return errors.Errorf("flush in state %s", c.state)
	}
	cid, err := c.io.Submit(NewFlushCmd(nsID))
	if err != nil {
		return err
	}
	return c.checkFatal(c.io.PollCompletion(ctx, cid, c.config.IOTimeout))
}

func (c *Controller) transfer(
	ctx context.Context,
	opc uint8,
	lba types.LBA,
	blocks uint16,
	buf *dma.Buffer,
) error {
	if c.state != StateReady {
		return errors.Errorf("transfer in state %s", c.state)
	}
	size := uint64(blocks) * c.blockSize
	if size == 0 || size > buf.Len() {
		return errors.Errorf("transfer of %d bytes does not fit buffer of %d", size, buf.Len())
	}

	prp1 := buf.Phys()
	var prp2 uint64
	var prpList *dma.Buffer
	switch {
	case size <= types.PageSize:
	case size <= 2*types.PageSize:
		prp2 = prp1 + types.PageSize
	default:
		pages := (size + types.PageSize - 1) / types.PageSize
		if pages > maxTransferPages {
			return c.config.Voids.Fail(void.ReasonOutOfBounds, 0, size,
				maxTransferPages*types.PageSize, "transfer exceeds one prp list")
		}
		var err error
		prpList, err = c.prpPool.Acquire()
		if err != nil {
			return c.config.Voids.Fail(void.ReasonAllocFail, 0, size, 0, "prp list exhausted")
		}
		entries := photon.SliceFromPointer[uint64](
			unsafe.Pointer(unsafe.SliceData(prpList.Bytes())), types.PageSize/types.UInt64Length)
		for i := uint64(1); i < pages; i++ {
			entries[i-1] = prp1 + i*types.PageSize
		}
		prp2 = prpList.Phys()
	}

	var cmd Command
	if opc == OpcRead {
		cmd = NewReadCmd(nsID, lba, blocks, prp1, prp2)
	} else {
		cmd = NewWriteCmd(nsID, lba, blocks, prp1, prp2)
	}

	cid, err := c.io.Submit(cmd)
	if err != nil {
		if prpList != nil {
			c.prpPool.Release(prpList)
		}
		return err
	}

	err = c.io.PollCompletion(ctx, cid, c.config.IOTimeout)
	if prpList != nil && void.ReasonOf(err) != void.ReasonTimeout {
		// The PRP list page lives until the completion is observed. On
		// timeout the command may still be in flight, so the page stays
		// reserved rather than risking device access to a reused page.
		c.prpPool.Release(prpList)
	}
	return c.checkFatal(err)
}

func (c *Controller) identify(ctx context.Context) error {
	idBuf := c.arena.Buffer(4)

	cid, err := c.admin.Submit(NewIdentifyCmd(CNSController, 0, idBuf.Phys()))
	if err != nil {
		return err
	}
	if err := c.admin.PollCompletion(ctx, cid, c.config.AdminTimeout); err != nil {
		return c.checkFatal(err)
	}

	cid, err = c.admin.Submit(NewIdentifyCmd(CNSNamespace, nsID, idBuf.Phys()))
	if err != nil {
		return err
	}
	if err := c.admin.PollCompletion(ctx, cid, c.config.AdminTimeout); err != nil {
		return c.checkFatal(err)
	}

	ns := idBuf.Bytes()
	c.nsBlocks = *photon.FromBytes[uint64](ns[:types.UInt64Length])
	flbas := ns[26] & 0xF
	lbads := ns[128+4*uint64(flbas)+2]
	c.blockSize = 1 << lbads

	if c.blockSize < types.SectorSize || c.blockSize > types.PageSize {
		return c.fatal(void.ReasonHWNVMe, c.blockSize, 0, "unsupported block size")
	}
	return nil
}

func (c *Controller) createIOQueues(ctx context.Context, ioSQ, ioCQ *dma.Buffer) error {
	depth := c.config.QueueDepth

	cid, err := c.admin.Submit(NewCreateIOCQCmd(ioQueueID, depth, ioCQ.Phys(), 0))
	if err != nil {
		return err
	}
	if err := c.admin.PollCompletion(ctx, cid, c.config.AdminTimeout); err != nil {
		return c.checkFatal(err)
	}

	cid, err = c.admin.Submit(NewCreateIOSQCmd(ioQueueID, depth, ioSQ.Phys(), ioQueueID))
	if err != nil {
		return err
	}
	if err := c.admin.PollCompletion(ctx, cid, c.config.AdminTimeout); err != nil {
		// The completion queue must not outlive its failed partner.
		if cid, err2 := c.admin.Submit(NewDeleteIOCQCmd(ioQueueID)); err2 == nil {
			_ = c.admin.PollCompletion(ctx, cid, c.config.AdminTimeout)
		}
		return err
	}
	return nil
}

func (c *Controller) waitReady(ready bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		csts := c.config.BAR.Read32(RegCSTS)
		if csts&CSTSFatal != 0 {
			return false
		}
		if (csts&CSTSReady != 0) == ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// checkFatal escalates to the fatal state when the controller reports a
// fatal status. Fatal is terminal; callers must recreate the engine.
func (c *Controller) checkFatal(err error) error {
	if err != nil && c.config.BAR.Read32(RegCSTS)&CSTSFatal != 0 {
		c.state = StateFatal
		return c.config.Voids.Fail(void.ReasonHWFatal, void.IDOf(err), 0, 0, "controller fatal status")
	}
	return err
}

func (c *Controller) fatal(reason void.Reason, inputA, inputB uint64, msg string) error {
	c.state = StateFatal
	c.releaseDMA()
	return c.config.Voids.Fail(reason, 0, inputA, inputB, msg)
}

func (c *Controller) releaseDMA() {
	if c.closeArena != nil {
		c.closeArena()
		c.closeArena = nil
	}
	if c.closePRP != nil {
		c.closePRP()
		c.closePRP = nil
	}
}
