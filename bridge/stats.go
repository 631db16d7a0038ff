package bridge

import "sync/atomic"

type statsCounters struct {
	rdmaReads      atomic.Uint64
	rdmaWrites     atomic.Uint64
	rdmaSyncs      atomic.Uint64
	rdmaErrors     atomic.Uint64
	nvmeReadBytes  atomic.Uint64
	nvmeWriteBytes atomic.Uint64
}

// Stats is a point-in-time snapshot of the bridge's operation counters.
type Stats struct {
	RDMAReads      uint64
	RDMAWrites     uint64
	RDMASyncs      uint64
	RDMAErrors     uint64
	NVMeReadBytes  uint64
	NVMeWriteBytes uint64
}

// Stats snapshots the counters. Counters accumulate since creation or the
// last ResetStats.
func (b *Bridge) Stats() Stats {
	return Stats{
		RDMAReads:      b.stats.rdmaReads.Load(),
		RDMAWrites:     b.stats.rdmaWrites.Load(),
		RDMASyncs:      b.stats.rdmaSyncs.Load(),
		RDMAErrors:     b.stats.rdmaErrors.Load(),
		NVMeReadBytes:  b.stats.nvmeReadBytes.Load(),
		NVMeWriteBytes: b.stats.nvmeWriteBytes.Load(),
	}
}

// ResetStats zeroes the counters.
func (b *Bridge) ResetStats() {
	b.stats.rdmaReads.Store(0)
	b.stats.rdmaWrites.Store(0)
	b.stats.rdmaSyncs.Store(0)
	b.stats.rdmaErrors.Store(0)
	b.stats.nvmeReadBytes.Store(0)
	b.stats.nvmeWriteBytes.Store(0)
}
