package bridge

import (
	"context"
	"time"

	"github.com/outofforest/seraph/aether"
	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/types"
	"github.com/outofforest/seraph/void"
)

// operation is one slot of the fixed in-flight pool. id 0 means the slot is
// free. A completed slot is recycled once the caller observes its final
// status through RDMAStatus or RDMAWait.
type operation struct {
	id         types.OperationID
	opType     MessageType
	addr       aether.Address
	remoteNode types.NodeID
	status     types.OpStatus
	start      time.Time
	deadline   time.Time
	buffer     *dma.Buffer
	dst        []byte
	size       uint64
	generation types.Generation
	voidID     types.VoidID
	completed  bool
	persisted  bool
}

// remoteOp allocates an in-flight slot, stages the payload into an RDMA
// buffer for writes, and hands the frame to the transport.
func (b *Bridge) remoteOp(
	ctx context.Context,
	opType MessageType,
	addr aether.Address,
	data []byte,
	dst []byte,
	size uint64,
	gen types.Generation,
) (types.OperationID, error) {
	b.mu.Lock()

	op := b.allocOp()
	if op == nil {
		err := b.config.Voids.Fail(void.ReasonAllocFail, 0,
			uint64(addr), 0, "in-flight operation pool exhausted")
		b.mu.Unlock()
		b.stats.rdmaErrors.Add(1)
		return 0, err
	}

	var payload []byte
	var checksum uint64
	if opType == MsgRDMAWritePersist {
		buf, err := b.rdmaPool.Acquire()
		if err != nil {
			op.id = 0
			failErr := b.config.Voids.Fail(void.ReasonAllocFail, 0,
				uint64(addr), 0, "rdma buffer pool exhausted")
			b.mu.Unlock()
			b.stats.rdmaErrors.Add(1)
			return 0, failErr
		}
		copy(buf.Bytes(), data)
		op.buffer = buf
		payload = buf.Bytes()[:size]
		checksum = ChecksumOf(payload)
	}

	now := time.Now()
	op.opType = opType
	op.addr = addr
	op.remoteNode = addr.Node()
	op.status = types.StatusPending
	op.start = now
	op.deadline = now.Add(b.config.RDMATimeout)
	op.dst = dst
	op.size = size
	op.generation = gen
	op.voidID = 0
	op.completed = false
	op.persisted = false

	opID := op.id
	b.mu.Unlock()

	frame := &Frame{
		Type:        opType,
		Source:      b.config.NodeID,
		Target:      addr.Node(),
		OperationID: opID,
		Addr:        addr,
		Size:        size,
		Generation:  gen,
		Checksum:    checksum,
		Payload:     payload,
	}
	if err := b.config.Transport.Send(ctx, frame); err != nil {
		b.mu.Lock()
		if op.id == opID && !op.completed {
			op.status = types.StatusNetworkError
			op.completed = true
			op.voidID = b.config.Voids.Record(void.ReasonNetwork, 0,
				uint64(opID), uint64(addr), "transport send failed")
			b.releaseOpBuffer(op)
		}
		b.mu.Unlock()
		b.stats.rdmaErrors.Add(1)
	}

	return opID, nil
}

// allocOp finds a free slot and stamps it with a fresh operation id.
// Callers hold the bridge lock.
func (b *Bridge) allocOp() *operation {
	for i := range b.ops {
		if b.ops[i].id == 0 {
			b.nextOpID++
			b.ops[i].id = b.nextOpID
			return &b.ops[i]
		}
	}
	return nil
}

// findOp locates a live in-flight slot by id. Callers hold the bridge lock.
func (b *Bridge) findOp(opID types.OperationID) *operation {
	for i := range b.ops {
		if b.ops[i].id == opID {
			return &b.ops[i]
		}
	}
	return nil
}

func (b *Bridge) releaseOpBuffer(op *operation) {
	if op.buffer != nil {
		b.rdmaPool.Release(op.buffer)
		op.buffer = nil
	}
}

// complete applies a response frame to its in-flight slot. Runs on the
// bridge's Run goroutine.
func (b *Bridge) complete(frame *Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	op := b.findOp(frame.OperationID)
	if op == nil || op.completed {
		// Late response for an op already reaped or observed.
		return
	}

	op.status = frame.Status
	op.completed = true

	switch {
	case frame.Status == types.StatusOK && op.opType == MsgRDMAReadPersist:
		if ChecksumOf(frame.Payload) != frame.Checksum {
			op.status = types.StatusNetworkError
			op.voidID = b.config.Voids.Record(void.ReasonHWCRC, frame.VoidID,
				frame.Checksum, ChecksumOf(frame.Payload),
				"read payload checksum mismatch")
			b.stats.rdmaErrors.Add(1)
			b.releaseOpBuffer(op)
			return
		}
		copy(op.dst, frame.Payload)
		b.stats.nvmeReadBytes.Add(op.size)
	case frame.Status == types.StatusOK && op.opType == MsgRDMAWritePersist:
		op.persisted = true
		b.stats.nvmeWriteBytes.Add(op.size)
	}

	if frame.Status != types.StatusOK {
		// A failed remote op derives a local record chained to the
		// peer's cause when the frame carries one.
		op.voidID = b.config.Voids.Record(reasonFor(frame.Status), frame.VoidID,
			uint64(op.id), uint64(op.addr), "remote operation failed")
		b.stats.rdmaErrors.Add(1)
	}

	b.releaseOpBuffer(op)
}

// Result is the observed outcome of an in-flight operation.
type Result struct {
	Status    types.OpStatus
	Persisted bool
	VoidID    types.VoidID
}

// RDMAStatus returns the current state of an in-flight operation without
// blocking. Observing a completed operation releases its slot.
func (b *Bridge) RDMAStatus(opID types.OperationID) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	op := b.findOp(opID)
	if op == nil {
		return Result{Status: types.StatusNotFound}
	}
	result := Result{Status: op.status, Persisted: op.persisted, VoidID: op.voidID}
	if op.completed {
		b.freeOp(op)
	}
	return result
}

// RDMAWait blocks until the operation completes or the deadline expires and
// returns its final outcome, releasing the slot. Cancellation of an
// in-flight operation is not supported; the frame stays out even when the
// wait gives up.
func (b *Bridge) RDMAWait(
	ctx context.Context,
	opID types.OperationID,
	timeout time.Duration,
) (Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		op := b.findOp(opID)
		if op == nil {
			err := b.config.Voids.Fail(
				void.ReasonNotFound, 0, uint64(opID), 0, "unknown operation")
			b.mu.Unlock()
			return Result{Status: types.StatusNotFound}, err
		}
		if op.completed {
			result := Result{Status: op.status, Persisted: op.persisted, VoidID: op.voidID}
			b.freeOp(op)
			b.mu.Unlock()

			if result.Status != types.StatusOK {
				return result, &void.Error{
					ID:     result.VoidID,
					Reason: reasonFor(result.Status),
					Msg:    result.Status.String(),
				}
			}
			return result, nil
		}
		b.mu.Unlock()

		if err := ctx.Err(); err != nil {
			b.mu.Lock()
			failErr := b.config.Voids.Fail(
				void.ReasonCancelled, 0, uint64(opID), 0, "wait cancelled")
			b.mu.Unlock()
			return Result{Status: types.StatusPending}, failErr
		}
		if time.Now().After(deadline) {
			b.mu.Lock()
			failErr := b.config.Voids.Fail(
				void.ReasonTimeout, 0, uint64(opID), 0, "wait deadline expired")
			b.mu.Unlock()
			return Result{Status: types.StatusPending}, failErr
		}
		time.Sleep(waitInterval)
	}
}

func (b *Bridge) freeOp(op *operation) {
	b.releaseOpBuffer(op)
	*op = operation{}
}
