package bridge

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descRDMAOps = prometheus.NewDesc(
		"seraph_bridge_rdma_operations_total",
		"RDMA operations initiated by this node.",
		[]string{"node", "kind"}, nil,
	)
	descRDMAErrors = prometheus.NewDesc(
		"seraph_bridge_rdma_errors_total",
		"RDMA operations that ended in a non-ok status.",
		[]string{"node"}, nil,
	)
	descNVMeBytes = prometheus.NewDesc(
		"seraph_bridge_nvme_bytes_total",
		"Bytes moved through the local NVMe namespace on behalf of Aether.",
		[]string{"node", "direction"}, nil,
	)
	descVoidRecords = prometheus.NewDesc(
		"seraph_bridge_void_records_total",
		"VOID records accumulated by the node's archaeology table.",
		[]string{"node"}, nil,
	)
)

// Collector exposes a bridge's counters as prometheus metrics.
type Collector struct {
	bridge *Bridge
}

// NewCollector creates a prometheus collector reading from b.
func NewCollector(b *Bridge) *Collector {
	return &Collector{bridge: b}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRDMAOps
	ch <- descRDMAErrors
	ch <- descNVMeBytes
	ch <- descVoidRecords
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	node := strconv.FormatUint(uint64(c.bridge.NodeID()), 10)
	stats := c.bridge.Stats()

	ch <- prometheus.MustNewConstMetric(descRDMAOps, prometheus.CounterValue,
		float64(stats.RDMAReads), node, "read")
	ch <- prometheus.MustNewConstMetric(descRDMAOps, prometheus.CounterValue,
		float64(stats.RDMAWrites), node, "write")
	ch <- prometheus.MustNewConstMetric(descRDMAOps, prometheus.CounterValue,
		float64(stats.RDMASyncs), node, "sync")
	ch <- prometheus.MustNewConstMetric(descRDMAErrors, prometheus.CounterValue,
		float64(stats.RDMAErrors), node)
	ch <- prometheus.MustNewConstMetric(descNVMeBytes, prometheus.CounterValue,
		float64(stats.NVMeReadBytes), node, "read")
	ch <- prometheus.MustNewConstMetric(descNVMeBytes, prometheus.CounterValue,
		float64(stats.NVMeWriteBytes), node, "write")
	c.bridge.mu.Lock()
	voidCount := c.bridge.config.Voids.Count()
	c.bridge.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(descVoidRecords, prometheus.CounterValue,
		float64(voidCount), node)
}
