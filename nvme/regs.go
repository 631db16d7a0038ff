package nvme

// BAR is the controller's MMIO window. Implementations own memory ordering:
// reads act as acquire fences and writes as release fences, so queue memory
// written before a doorbell write is visible to the device.
type BAR interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, value uint32)
	Read64(offset uint64) uint64
	Write64(offset uint64, value uint64)
}

// Controller register offsets.
const (
	RegCAP   = 0x00
	RegVS    = 0x08
	RegINTMS = 0x0C
	RegCC    = 0x14
	RegCSTS  = 0x1C
	RegAQA   = 0x24
	RegASQ   = 0x28
	RegACQ   = 0x30

	// DoorbellBase is the offset of the first doorbell register. Submission
	// queue y tail lives at DoorbellBase + 2y*stride, completion queue y
	// head at DoorbellBase + (2y+1)*stride.
	DoorbellBase = 0x1000
)

// CAP fields.
const (
	capMQESMask   = 0xFFFF
	capTOShift    = 24
	capTOMask     = 0xFF
	capDSTRDShift = 32
	capDSTRDMask  = 0xF
)

// CC fields.
const (
	CCEnable   = 1 << 0
	ccCSSShift = 4
	ccMPSShift = 7
	ccSHNShift = 14

	// CCShutdownNormal requests a normal controller shutdown via CC.SHN.
	CCShutdownNormal = 0b01 << ccSHNShift

	ccIOSQESShift = 16
	ccIOCQESShift = 20

	// SQ entries are 64 bytes, CQ entries 16 bytes.
	ccIOSQES = 6 << ccIOSQESShift
	ccIOCQES = 4 << ccIOCQESShift
)

// CSTS fields.
const (
	CSTSReady = 1 << 0
	CSTSFatal = 1 << 1

	cstsSHSTShift = 2
	cstsSHSTMask  = 0b11

	// SHSTComplete signals shutdown processing is finished.
	SHSTComplete = 0b10
)

// Cap is the decoded CAP register.
type Cap struct {
	// MaxQueueEntries is the largest supported queue depth (MQES+1).
	MaxQueueEntries uint32

	// DoorbellStride is the distance in bytes between consecutive
	// doorbell registers.
	DoorbellStride uint64

	// Timeout is the worst-case controller readiness latency in units of
	// 500 ms.
	Timeout uint32
}

// DecodeCap decodes a raw CAP value.
func DecodeCap(raw uint64) Cap {
	return Cap{
		MaxQueueEntries: uint32(raw&capMQESMask) + 1,
		DoorbellStride:  4 << (raw >> capDSTRDShift & capDSTRDMask),
		Timeout:         uint32(raw >> capTOShift & capTOMask),
	}
}

// SQDoorbell returns the offset of submission queue qid's tail doorbell.
func SQDoorbell(qid uint16, stride uint64) uint64 {
	return DoorbellBase + uint64(2*qid)*stride
}

// CQDoorbell returns the offset of completion queue qid's head doorbell.
func CQDoorbell(qid uint16, stride uint64) uint64 {
	return DoorbellBase + uint64(2*qid+1)*stride
}
