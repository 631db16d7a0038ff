package types

const (
	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// PageSize is the unit of Atlas and Aether data transfer.
	PageSize = 4096

	// SectorSize is the logical block size assumed by the Atlas LBA mapping.
	SectorSize = 512

	// BlocksPerPage is the number of logical blocks backing one page.
	BlocksPerPage = PageSize / SectorSize

	// AtlasOrigin is the base virtual address of the Atlas region.
	AtlasOrigin = 0x0000_4000_0000_0000

	// AtlasSize is the span of the Atlas region in bytes.
	AtlasSize = 0x0000_0010_0000_0000
)

type (
	// NodeID identifies a node in the Aether cluster.
	NodeID uint16

	// LBA is a logical block address on the NVMe namespace.
	LBA uint64

	// VoidID is the stable identity of an archaeology record. Zero means
	// no record.
	VoidID uint64

	// OperationID identifies an in-flight bridge operation. Zero means
	// the slot is free.
	OperationID uint64

	// Generation is the capability generation of an Aether mapping.
	Generation uint64

	// SnapshotID identifies a bridge snapshot.
	SnapshotID uint64
)

// OpStatus enumerates possible states of an in-flight bridge operation.
type OpStatus uint8

// OpStatus constants. The numeric values travel on the wire.
const (
	StatusOK OpStatus = iota
	StatusPending
	StatusTimeout
	StatusNVMeError
	StatusNetworkError
	StatusGenerationMismatch
	StatusNotFound
	StatusPermissionDenied
	StatusOutOfMemory
	StatusVoid
)

func (s OpStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPending:
		return "pending"
	case StatusTimeout:
		return "timeout"
	case StatusNVMeError:
		return "nvme-error"
	case StatusNetworkError:
		return "network-error"
	case StatusGenerationMismatch:
		return "generation-mismatch"
	case StatusNotFound:
		return "not-found"
	case StatusPermissionDenied:
		return "permission-denied"
	case StatusOutOfMemory:
		return "out-of-memory"
	case StatusVoid:
		return "void"
	default:
		return "unknown"
	}
}
