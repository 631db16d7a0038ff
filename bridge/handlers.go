package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/outofforest/logger"

	"github.com/outofforest/seraph/aether"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

// serveRequest executes a peer's request against local NVMe and sends the
// response frame. Runs on the bridge's Run goroutine.
func (b *Bridge) serveRequest(ctx context.Context, frame *Frame) {
	response := &Frame{
		Source:      b.config.NodeID,
		Target:      frame.Source,
		OperationID: frame.OperationID,
		Addr:        frame.Addr,
		Size:        frame.Size,
	}

	switch frame.Type {
	case MsgRDMAReadPersist:
		payload, status, voidID := b.HandleRead(ctx,
			frame.Source, frame.Addr, frame.Size, frame.Generation)
		response.Type = MsgRDMAReadResponse
		response.Status = status
		response.VoidID = voidID
		response.Payload = payload
		response.Checksum = ChecksumOf(payload)
	case MsgRDMAWritePersist:
		status, voidID := b.HandleWrite(ctx,
			frame.Source, frame.Addr, frame.Payload, frame.Checksum, frame.Generation)
		response.Type = MsgRDMAWriteComplete
		response.Status = status
		response.VoidID = voidID
	case MsgRDMASyncPersist:
		status, voidID := b.HandleSync(ctx)
		response.Type = MsgRDMAWriteComplete
		response.Status = status
		response.VoidID = voidID
	case MsgRDMASnapshot:
		snapshotID, err := b.CreateSnapshot(ctx, frame.Addr, frame.Addr)
		response.Type = MsgRDMASnapshotAck
		response.Status = types.StatusOK
		if err != nil {
			response.Type = MsgRDMAError
			response.Status = types.StatusNVMeError
			response.VoidID = void.IDOf(err)
		}
		response.Size = uint64(snapshotID)
	}

	if err := b.config.Transport.Send(ctx, response); err != nil {
		logger.Get(ctx).Warn("response send failed",
			zap.Uint64("operationID", uint64(frame.OperationID)),
			zap.Error(err))
	}
}

// HandleRead executes a remote read request on the destination node.
//
// The generation rule: gen 0 waives the check (system-internal paths);
// otherwise the mapping's current generation must equal gen or the request
// fails stale without touching NVMe.
func (b *Bridge) HandleRead(
	ctx context.Context,
	requester types.NodeID,
	addr aether.Address,
	size uint64,
	gen types.Generation,
) ([]byte, types.OpStatus, types.VoidID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.findMapping(addr.Offset())
	if m == nil {
		return nil, types.StatusNotFound, b.config.Voids.Record(void.ReasonNotFound, 0,
			uint64(addr), uint64(requester), "no mapping for remote read")
	}
	if gen != 0 && gen != m.generation {
		return nil, types.StatusGenerationMismatch, b.config.Voids.Record(
			void.ReasonGeneration, 0, uint64(gen), uint64(m.generation),
			"stale capability on remote read")
	}
	if !m.allocated {
		return nil, types.StatusNotFound, b.config.Voids.Record(void.ReasonNotFound, 0,
			uint64(addr), uint64(requester), "mapping freed")
	}

	buf, err := b.rdmaPool.Acquire()
	if err != nil {
		return nil, types.StatusOutOfMemory, b.config.Voids.Record(void.ReasonAllocFail, 0,
			uint64(addr), 0, "rdma buffer pool exhausted")
	}
	defer b.rdmaPool.Release(buf)

	if err := b.config.Controller.Read(ctx, m.lba, blocksFor(size), buf); err != nil {
		b.stats.rdmaErrors.Add(1)
		return nil, types.StatusNVMeError, b.config.Voids.Record(void.ReasonHWNVMe,
			void.IDOf(err), uint64(addr), uint64(m.lba), "remote read failed")
	}

	payload := make([]byte, size)
	copy(payload, buf.Bytes())
	b.stats.nvmeReadBytes.Add(size)
	return payload, types.StatusOK, 0
}

// HandleWrite executes a remote write request on the destination node. The
// payload is written and flushed before OK is returned; OK is the
// durability promise.
func (b *Bridge) HandleWrite(
	ctx context.Context,
	requester types.NodeID,
	addr aether.Address,
	data []byte,
	checksum uint64,
	gen types.Generation,
) (types.OpStatus, types.VoidID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ChecksumOf(data) != checksum {
		return types.StatusNetworkError, b.config.Voids.Record(void.ReasonHWCRC, 0,
			checksum, ChecksumOf(data), "payload checksum mismatch")
	}

	m := b.findMapping(addr.Offset())
	if m == nil {
		return types.StatusNotFound, b.config.Voids.Record(void.ReasonNotFound, 0,
			uint64(addr), uint64(requester), "no mapping for remote write")
	}
	if gen != 0 && gen != m.generation {
		return types.StatusGenerationMismatch, b.config.Voids.Record(
			void.ReasonGeneration, 0, uint64(gen), uint64(m.generation),
			"stale capability on remote write")
	}
	if !m.allocated {
		return types.StatusNotFound, b.config.Voids.Record(void.ReasonNotFound, 0,
			uint64(addr), uint64(requester), "mapping freed")
	}

	if err := b.writeDurable(ctx, addr, data); err != nil {
		return types.StatusNVMeError, void.IDOf(err)
	}
	return types.StatusOK, 0
}

// HandleSync flushes local NVMe on behalf of a peer. The acknowledgment is
// only sent after the flush completes.
func (b *Bridge) HandleSync(ctx context.Context) (types.OpStatus, types.VoidID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.config.Controller.Flush(ctx); err != nil {
		b.stats.rdmaErrors.Add(1)
		return types.StatusNVMeError, b.config.Voids.Record(void.ReasonHWNVMe,
			void.IDOf(err), 0, 0, "sync flush failed")
	}
	return types.StatusOK, 0
}
