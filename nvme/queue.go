package nvme

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"

	"github.com/outofforest/seraph/dma"
	"github.com/outofforest/seraph/void"
)

const pollInterval = 10 * time.Microsecond

// NewQueue assembles a queue pair over already-programmed SQ/CQ memory.
// The queue does not own command buffers; the caller keeps them alive until
// the matching completion is observed.
func NewQueue(
	bar BAR,
	qid uint16,
	depth uint16,
	sq, cq *dma.Buffer,
	stride uint64,
	voids *void.Table,
) *Queue {
	return &Queue{
		bar:        bar,
		depth:      depth,
		sq:         sq,
		cq:         cq,
		sqDoorbell: SQDoorbell(qid, stride),
		cqDoorbell: CQDoorbell(qid, stride),
		phase:      1,
		voids:      voids,
	}
}

// Queue is one submission/completion queue pair with its local shadow
// state. It is single-writer: submission and completion polling must not be
// interleaved from multiple goroutines.
type Queue struct {
	bar        BAR
	depth      uint16
	sq         *dma.Buffer
	cq         *dma.Buffer
	sqDoorbell uint64
	cqDoorbell uint64

	sqTail  uint16
	cqHead  uint16
	phase   uint16
	nextCID uint16

	voids     *void.Table
	discarded uint64
}

// Submit copies cmd into the next submission slot, assigns it a fresh
// command id and rings the tail doorbell. The returned cid identifies the
// matching completion.
func (q *Queue) Submit(cmd Command) (uint16, error) {
	if q.sq == nil || q.cq == nil {
		return 0, errors.New("queue memory is absent")
	}

	cid := q.nextCID
	q.nextCID++
	cmd.CID = cid

	copy(q.sq.Bytes()[uint64(q.sqTail)*CommandSize:], photon.NewFromValue(&cmd).B)

	// The doorbell write is the release fence making the entry visible.
	q.sqTail = (q.sqTail + 1) % q.depth
	q.bar.Write32(q.sqDoorbell, uint32(q.sqTail))

	return cid, nil
}

// CheckCompletion returns the next completion entry if the controller has
// posted one, advancing the head and the expected phase across wraps.
func (q *Queue) CheckCompletion() (Completion, bool) {
	cpl := *photon.FromBytes[Completion](q.cq.Bytes()[uint64(q.cqHead)*CompletionSize:])
	if cpl.Phase() != q.phase {
		return Completion{}, false
	}

	q.cqHead++
	if q.cqHead == q.depth {
		q.cqHead = 0
		q.phase ^= 1
	}
	q.bar.Write32(q.cqDoorbell, uint32(q.cqHead))

	return cpl, true
}

// PollCompletion busy-polls until the completion for cid arrives or the
// timeout expires. Completions carrying other cids are discarded; see
// Discarded. A failure status or a timeout produces an archaeology record.
func (q *Queue) PollCompletion(ctx context.Context, cid uint16, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if cpl, exists := q.CheckCompletion(); exists {
			if cpl.CID != cid {
				// Out-of-order completion for a command nobody is
				// polling. With single-outstanding submission this
				// cannot happen; counted so misuse is observable.
				q.discarded++
				continue
			}
			if cpl.Failed() {
				return q.voids.Fail(void.ReasonIO, 0,
					uint64(cpl.Status), uint64(cpl.CID), DecodeStatus(cpl.Status))
			}
			return nil
		}

		if err := ctx.Err(); err != nil {
			return q.voids.Fail(void.ReasonCancelled, 0, uint64(cid), 0, "poll cancelled")
		}
		if time.Now().After(deadline) {
			return q.voids.Fail(void.ReasonTimeout, 0, uint64(cid), 0, "completion timeout")
		}
		time.Sleep(pollInterval)
	}
}

// Depth returns the queue depth.
func (q *Queue) Depth() uint16 {
	return q.depth
}

// Discarded returns the number of completions dropped because their cid was
// not the one being polled.
func (q *Queue) Discarded() uint64 {
	return q.discarded
}
