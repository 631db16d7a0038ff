package dma

// Buffer is an owned, physically-contiguous, 4 KiB-aligned region usable as
// an NVMe transfer target. The device address stays valid until the arena
// holding the buffer is unmapped.
type Buffer struct {
	data []byte
	phys uint64
}

// Bytes returns the host view of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Phys returns the device physical address of the buffer.
func (b *Buffer) Phys() uint64 {
	return b.phys
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() uint64 {
	return uint64(len(b.data))
}

// Mapper produces stable device physical addresses for host memory. The
// address must stay valid until Unmap.
type Mapper interface {
	Map(data []byte) (uint64, error)
	Unmap(data []byte) error
}

// NewIdentityMapper creates a mapper for environments where host virtual
// addresses are device-visible as-is.
func NewIdentityMapper() *IdentityMapper {
	return &IdentityMapper{}
}

// IdentityMapper maps host memory to itself.
type IdentityMapper struct{}

// Map returns the virtual address of data.
func (m *IdentityMapper) Map(data []byte) (uint64, error) {
	return virtualAddress(data), nil
}

// Unmap is a no-op.
func (m *IdentityMapper) Unmap(_ []byte) error {
	return nil
}
