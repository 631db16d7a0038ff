package dma

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/seraph/types"
)

func virtualAddress(data []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(data))))
}

// NewArena mmaps a physically-contiguous (in this memory model) region and
// carves it into equally-sized, page-aligned buffers. The returned function
// unmaps the region; all buffers die with it.
func NewArena(mapper Mapper, bufferSize, bufferCount uint64) (*Arena, func(), error) {
	if bufferSize == 0 || bufferSize%types.PageSize != 0 {
		return nil, nil, errors.Errorf("buffer size %d is not a multiple of page size", bufferSize)
	}

	size := bufferSize * bufferCount
	opts := unix.MAP_SHARED | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE | unix.MAP_POPULATE
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dma arena allocation failed")
	}

	phys, err := mapper.Map(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, nil, errors.Wrapf(err, "dma mapping failed")
	}

	buffers := make([]Buffer, 0, bufferCount)
	for i := range bufferCount {
		off := i * bufferSize
		buffers = append(buffers, Buffer{
			data: data[off : off+bufferSize : off+bufferSize],
			phys: phys + off,
		})
	}

	return &Arena{
			data:    data,
			buffers: buffers,
		}, func() {
			_ = mapper.Unmap(data)
			_ = unix.Munmap(data)
		}, nil
}

// Arena owns a run of DMA buffers backed by one mapping.
type Arena struct {
	data    []byte
	buffers []Buffer
}

// Buffer returns the i-th buffer of the arena.
func (a *Arena) Buffer(i uint64) *Buffer {
	return &a.buffers[i]
}

// Count returns the number of buffers in the arena.
func (a *Arena) Count() uint64 {
	return uint64(len(a.buffers))
}
