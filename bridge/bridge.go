// Package bridge translates Aether distributed-shared-memory addresses into
// local or remote NVMe operations, enforcing durability-before-ack and
// capability-generation safety across nodes.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"github.com/outofforest/seraph/aether"
	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/nvme"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

const (
	// DefaultInFlightSlots is the default capacity of the in-flight
	// operation pool.
	DefaultInFlightSlots = 32

	// DefaultRDMABuffers is the default population of the RDMA buffer
	// pool.
	DefaultRDMABuffers = 8

	// DefaultRDMATimeout bounds remote round trips.
	DefaultRDMATimeout = 5 * time.Second

	reapInterval = 50 * time.Millisecond
	waitInterval = 10 * time.Microsecond
)

// Transport carries frames to other nodes. Implementations deliver inbound
// frames by calling the destination bridge's Deliver; they must not mutate
// bridge state directly.
type Transport interface {
	Send(ctx context.Context, frame *Frame) error
}

// Config configures a bridge instance.
type Config struct {
	NodeID     types.NodeID
	Controller *nvme.Controller
	Mapper     dma.Mapper
	Voids      *void.Table
	Transport  Transport

	// Zero values select the defaults above.
	InFlightSlots uint64
	RDMABuffers   uint64
	RDMATimeout   time.Duration
}

// mapping associates an Aether offset with an NVMe extent. Freeing does not
// reclaim the extent; it bumps the generation so stale capabilities fail.
type mapping struct {
	aetherOffset uint64
	lba          types.LBA
	pageCount    uint64
	generation   types.Generation
	allocated    bool
}

// New creates a bridge for the local node. The returned function releases
// the RDMA buffer arena.
func New(config Config) (*Bridge, func(), error) {
	if config.InFlightSlots == 0 {
		config.InFlightSlots = DefaultInFlightSlots
	}
	if config.RDMABuffers == 0 {
		config.RDMABuffers = DefaultRDMABuffers
	}
	if config.RDMATimeout == 0 {
		config.RDMATimeout = DefaultRDMATimeout
	}

	arena, closeArena, err := dma.NewArena(config.Mapper, types.PageSize, config.RDMABuffers)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "rdma buffer allocation failed")
	}

	return &Bridge{
		config:       config,
		ops:          make([]operation, config.InFlightSlots),
		rdmaPool:     dma.NewPool(arena),
		completionCh: make(chan *Frame, 64),
	}, closeArena, nil
}

// Bridge is the Aether-NVMe bridge of one node. The mapping table and the
// in-flight pool are mutated only under the bridge lock; transport
// completions are handed off through a queue drained by Run.
//
// The mapping table lives in RAM only. A cold restart loses the
// Aether-to-LBA correspondence; persisting it is future work.
type Bridge struct {
	config Config

	mu       sync.Mutex
	mappings []mapping
	nextLBA  types.LBA
	ops      []operation
	nextOpID types.OperationID
	nextSnap types.SnapshotID
	rdmaPool *dma.Pool

	completionCh chan *Frame
	stats        statsCounters
}

// NodeID returns the local node id.
func (b *Bridge) NodeID() types.NodeID {
	return b.config.NodeID
}

// Alloc bump-allocates pageCount pages of persistent Aether memory on the
// local NVMe namespace and returns their persistent Aether address with
// generation 1.
func (b *Bridge) Alloc(pageCount uint64) (aether.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	blocks := pageCount * types.BlocksPerPage
	if uint64(b.nextLBA)+blocks > b.config.Controller.NamespaceBlocks() {
		return 0, b.config.Voids.Fail(void.ReasonAllocFail, 0,
			pageCount, uint64(b.nextLBA), "nvme space exhausted")
	}

	offset := uint64(len(b.mappings)) * types.PageSize
	b.mappings = append(b.mappings, mapping{
		aetherOffset: offset,
		lba:          b.nextLBA,
		pageCount:    pageCount,
		generation:   1,
		allocated:    true,
	})
	b.nextLBA += types.LBA(blocks)

	return aether.MakeAddr(b.config.NodeID, offset).MakePersistent(), nil
}

// Free releases the mapping behind addr. The NVMe extent is not reclaimed;
// the generation bump revokes every capability still presenting the old
// generation.
func (b *Bridge) Free(addr aether.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.findMapping(addr.Offset())
	if m == nil {
		return b.config.Voids.Fail(void.ReasonNotFound, 0,
			uint64(addr), 0, "no mapping for address")
	}
	m.allocated = false
	m.generation++
	return nil
}

// Generation returns the current generation of the mapping behind addr.
func (b *Bridge) Generation(addr aether.Address) (types.Generation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.findMapping(addr.Offset())
	if m == nil {
		return 0, errors.Errorf("no mapping at offset %#x", addr.Offset())
	}
	return m.generation, nil
}

// findMapping locates a mapping by page-aligned Aether offset. Callers hold
// the bridge lock.
func (b *Bridge) findMapping(offset uint64) *mapping {
	offset &^= types.PageSize - 1
	for i := range b.mappings {
		if b.mappings[i].aetherOffset == offset {
			return &b.mappings[i]
		}
	}
	return nil
}

// RDMARead reads size bytes of persistent Aether memory at addr into dst.
// For the local node the data is present when the call returns with
// operation id 0. For a remote node the returned operation id tracks the
// round trip; dst is filled when the operation completes ok.
//
// The generation check runs on the destination's handler path; local reads
// trust the caller and skip it.
func (b *Bridge) RDMARead(
	ctx context.Context,
	addr aether.Address,
	dst []byte,
	gen types.Generation,
) (types.OperationID, error) {
	if !addr.Persistent() {
		return 0, errors.New("volatile address on persistent path")
	}
	b.stats.rdmaReads.Add(1)

	if addr.Node() == b.config.NodeID {
		return 0, b.localRead(ctx, addr, dst)
	}
	return b.remoteOp(ctx, MsgRDMAReadPersist, addr, nil, dst, uint64(len(dst)), gen)
}

// RDMAWrite writes data to persistent Aether memory at addr. For the local
// node the write is durable (written and flushed) when the call returns.
// For a remote node the operation is persisted once its status is ok.
func (b *Bridge) RDMAWrite(
	ctx context.Context,
	addr aether.Address,
	data []byte,
	gen types.Generation,
) (types.OperationID, error) {
	if !addr.Persistent() {
		return 0, errors.New("volatile address on persistent path")
	}
	b.stats.rdmaWrites.Add(1)

	if addr.Node() == b.config.NodeID {
		return 0, b.localWrite(ctx, addr, data)
	}
	return b.remoteOp(ctx, MsgRDMAWritePersist, addr, data, nil, uint64(len(data)), gen)
}

// RDMASync flushes the persistent memory of a node. Locally this flushes
// the NVMe volatile cache; remotely the peer flushes before acknowledging.
func (b *Bridge) RDMASync(ctx context.Context, node types.NodeID) (types.OperationID, error) {
	b.stats.rdmaSyncs.Add(1)

	if node == b.config.NodeID {
		b.mu.Lock()
		defer b.mu.Unlock()
		if err := b.config.Controller.Flush(ctx); err != nil {
			b.stats.rdmaErrors.Add(1)
			return 0, b.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
				0, 0, "local sync flush failed")
		}
		return 0, nil
	}

	addr := aether.MakeAddr(node, 0).MakePersistent()
	return b.remoteOp(ctx, MsgRDMASyncPersist, addr, nil, nil, 0, 0)
}

// CreateSnapshot flushes NVMe and assigns a fresh snapshot id.
//
// This is acknowledged as incomplete: writes are not frozen and dirty pages
// are not copied, so the id identifies a flush point only.
func (b *Bridge) CreateSnapshot(ctx context.Context, start, end aether.Address) (types.SnapshotID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.config.Controller.Flush(ctx); err != nil {
		b.stats.rdmaErrors.Add(1)
		return 0, b.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
			uint64(start), uint64(end), "snapshot flush failed")
	}
	b.nextSnap++
	return b.nextSnap, nil
}

func (b *Bridge) localRead(ctx context.Context, addr aether.Address, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.findMapping(addr.Offset())
	if m == nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonNotFound, 0,
			uint64(addr), 0, "no mapping for address")
	}

	buf, err := b.rdmaPool.Acquire()
	if err != nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonAllocFail, 0,
			uint64(addr), 0, "rdma buffer pool exhausted")
	}
	defer b.rdmaPool.Release(buf)

	blocks := blocksFor(uint64(len(dst)))
	if err := b.config.Controller.Read(ctx, m.lba, blocks, buf); err != nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
			uint64(addr), uint64(m.lba), "local read failed")
	}
	copy(dst, buf.Bytes())
	b.stats.nvmeReadBytes.Add(uint64(len(dst)))
	return nil
}

func (b *Bridge) localWrite(ctx context.Context, addr aether.Address, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeDurable(ctx, addr, data)
}

// writeDurable performs the write-then-flush pair that backs the
// durability-before-ack contract. Callers hold the bridge lock.
func (b *Bridge) writeDurable(ctx context.Context, addr aether.Address, data []byte) error {
	m := b.findMapping(addr.Offset())
	if m == nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonNotFound, 0,
			uint64(addr), 0, "no mapping for address")
	}

	buf, err := b.rdmaPool.Acquire()
	if err != nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonAllocFail, 0,
			uint64(addr), 0, "rdma buffer pool exhausted")
	}
	defer b.rdmaPool.Release(buf)
	copy(buf.Bytes(), data)

	blocks := blocksFor(uint64(len(data)))
	if err := b.config.Controller.Write(ctx, m.lba, blocks, buf); err != nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
			uint64(addr), uint64(m.lba), "local write failed")
	}
	if err := b.config.Controller.Flush(ctx); err != nil {
		b.stats.rdmaErrors.Add(1)
		return b.config.Voids.Fail(void.ReasonHWNVMe, void.IDOf(err),
			uint64(addr), uint64(m.lba), "durability flush failed")
	}

	b.stats.nvmeWriteBytes.Add(uint64(len(data)))
	return nil
}

func blocksFor(size uint64) uint16 {
	return uint16((size + types.SectorSize - 1) / types.SectorSize)
}

// Run drains transport completions and reaps expired operations. It must be
// running for remote paths and handlers to make progress.
func (b *Bridge) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("completions", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case frame := <-b.completionCh:
					b.dispatch(ctx, frame)
				}
			}
		})
		spawn("reaper", parallel.Fail, func(ctx context.Context) error {
			ticker := time.NewTicker(reapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
					b.reapExpired(ctx)
				}
			}
		})
		return nil
	})
}

// Deliver hands an inbound frame to the bridge. Safe to call from any
// goroutine; the frame is processed on the bridge's Run goroutine.
func (b *Bridge) Deliver(frame *Frame) {
	b.completionCh <- frame
}

func (b *Bridge) dispatch(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case MsgRDMAReadPersist, MsgRDMAWritePersist, MsgRDMASyncPersist, MsgRDMASnapshot:
		b.serveRequest(ctx, frame)
	case MsgRDMAReadResponse, MsgRDMAWriteComplete, MsgRDMASnapshotAck, MsgRDMAError:
		b.complete(frame)
	default:
		logger.Get(ctx).Warn("unknown frame type", zap.Uint8("type", uint8(frame.Type)))
	}
}

// reapExpired times out in-flight operations past their deadline. Any
// goroutine observing an expired op may reap it; here it is the reaper
// tick.
func (b *Bridge) reapExpired(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for i := range b.ops {
		op := &b.ops[i]
		if op.id == 0 || op.completed || now.Before(op.deadline) {
			continue
		}
		op.status = types.StatusTimeout
		op.completed = true
		op.voidID = b.config.Voids.Record(void.ReasonTimeout, 0,
			uint64(op.id), uint64(op.addr), "rdma operation timed out")
		b.stats.rdmaErrors.Add(1)
		b.releaseOpBuffer(op)

		logger.Get(ctx).Warn("reaped expired rdma operation",
			zap.Uint64("operationID", uint64(op.id)),
			zap.Uint64("addr", uint64(op.addr)))
	}
}
