package void

// Reason tags the kind of failure stored in an archaeology record. The
// numeric values are stable; they travel inside bridge wire frames.
type Reason uint8

// Reason constants.
const (
	ReasonUnknown Reason = iota

	// Arithmetic.
	ReasonDivZero
	ReasonModZero
	ReasonOverflow
	ReasonUnderflow
	ReasonOutOfBounds
	ReasonPrecisionLoss
	ReasonNaN

	// Memory and typing.
	ReasonNullDeref
	ReasonUseAfterFree
	ReasonTypeMismatch
	ReasonAlignment
	ReasonInvalidArgument

	// Resources.
	ReasonAllocFail
	ReasonTimeout
	ReasonPermission
	ReasonNotFound
	ReasonExhausted
	ReasonBusy
	ReasonQuota

	// I/O and hardware.
	ReasonIO
	ReasonHWNVMe
	ReasonHWDMA
	ReasonHWCRC
	ReasonHWPCIe
	ReasonHWIRQ
	ReasonHWFatal
	ReasonHWTimeout

	// IPC and scheduling.
	ReasonIPC
	ReasonChannelClosed
	ReasonDeadlock
	ReasonCancelled
	ReasonShutdown

	// Network and distribution.
	ReasonNetwork
	ReasonGeneration
	ReasonProtocol
	ReasonNodeUnreachable

	// Propagation.
	ReasonPropagated
	ReasonExplicit
	ReasonAssert
	ReasonUnimplemented
)

var reasonNames = map[Reason]string{
	ReasonUnknown:         "unknown",
	ReasonDivZero:         "div-zero",
	ReasonModZero:         "mod-zero",
	ReasonOverflow:        "overflow",
	ReasonUnderflow:       "underflow",
	ReasonOutOfBounds:     "out-of-bounds",
	ReasonPrecisionLoss:   "precision-loss",
	ReasonNaN:             "nan",
	ReasonNullDeref:       "null-deref",
	ReasonUseAfterFree:    "use-after-free",
	ReasonTypeMismatch:    "type-mismatch",
	ReasonAlignment:       "alignment",
	ReasonInvalidArgument: "invalid-argument",
	ReasonAllocFail:       "alloc-fail",
	ReasonTimeout:         "timeout",
	ReasonPermission:      "permission",
	ReasonNotFound:        "not-found",
	ReasonExhausted:       "exhausted",
	ReasonBusy:            "busy",
	ReasonQuota:           "quota",
	ReasonIO:              "io",
	ReasonHWNVMe:          "hw-nvme",
	ReasonHWDMA:           "hw-dma",
	ReasonHWCRC:           "hw-crc",
	ReasonHWPCIe:          "hw-pcie",
	ReasonHWIRQ:           "hw-irq",
	ReasonHWFatal:         "hw-fatal",
	ReasonHWTimeout:       "hw-timeout",
	ReasonIPC:             "ipc",
	ReasonChannelClosed:   "channel-closed",
	ReasonDeadlock:        "deadlock",
	ReasonCancelled:       "cancelled",
	ReasonShutdown:        "shutdown",
	ReasonNetwork:         "network",
	ReasonGeneration:      "generation",
	ReasonProtocol:        "protocol",
	ReasonNodeUnreachable: "node-unreachable",
	ReasonPropagated:      "propagated",
	ReasonExplicit:        "explicit",
	ReasonAssert:          "assert",
	ReasonUnimplemented:   "unimplemented",
}

func (r Reason) String() string {
	if name, exists := reasonNames[r]; exists {
		return name
	}
	return "invalid"
}
