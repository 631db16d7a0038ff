package dma

import (
	"github.com/pkg/errors"
)

// NewPool creates a fixed-population pool over all buffers of an arena.
func NewPool(arena *Arena) *Pool {
	free := make([]*Buffer, 0, arena.Count())
	for i := range arena.Count() {
		free = append(free, arena.Buffer(i))
	}
	return &Pool{free: free}
}

// Pool hands out DMA buffers from a fixed population. Exhaustion is an
// error, not a blocking condition; callers translate it to their own
// out-of-memory failure.
type Pool struct {
	free []*Buffer
}

// Acquire takes a buffer from the pool.
func (p *Pool) Acquire() (*Buffer, error) {
	if len(p.free) == 0 {
		return nil, errors.New("dma buffer pool exhausted")
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, nil
}

// Release returns a buffer to the pool.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.free = append(p.free, b)
}

// Free returns the number of buffers currently available.
func (p *Pool) Free() int {
	return len(p.free)
}
