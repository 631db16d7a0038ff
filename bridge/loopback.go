package bridge

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/mass"

	"github.com/outofforest/seraph/types"
)

// Loopback is an in-process transport connecting bridges of a simulated
// cluster. Frames are copied on send, so the receiver never aliases the
// sender's memory, same as a real wire would guarantee.
type Loopback struct {
	mu     sync.Mutex
	peers  map[types.NodeID]*Bridge
	frames *mass.Mass[Frame]
}

// NewLoopback creates an empty loopback fabric.
func NewLoopback() *Loopback {
	return &Loopback{
		peers:  map[types.NodeID]*Bridge{},
		frames: mass.New[Frame](1000),
	}
}

// Attach connects a bridge to the fabric under its node id.
func (l *Loopback) Attach(b *Bridge) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers[b.NodeID()] = b
}

// Send implements Transport. The frame is deep-copied before delivery.
func (l *Loopback) Send(ctx context.Context, frame *Frame) error {
	l.mu.Lock()
	peer, exists := l.peers[frame.Target]
	if !exists {
		l.mu.Unlock()
		return errors.Errorf("no node %d on fabric", frame.Target)
	}

	copied := l.frames.New()
	*copied = *frame
	if len(frame.Payload) > 0 {
		copied.Payload = make([]byte, len(frame.Payload))
		copy(copied.Payload, frame.Payload)
	}
	l.mu.Unlock()

	peer.Deliver(copied)
	return nil
}
