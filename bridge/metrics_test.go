package bridge

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/seraph/types"
)

func TestCollectorExportsCounters(t *testing.T) {
	requireT := require.New(t)
	ctx := newTestContext(t)
	node := newTestNode(t, ctx, NewLoopback(), 1, Config{})

	addr, err := node.Bridge.Alloc(1)
	requireT.NoError(err)
	_, err = node.Bridge.RDMAWrite(ctx, addr, testPayload(types.PageSize), 1)
	requireT.NoError(err)

	collector := NewCollector(node.Bridge)
	requireT.Equal(3, testutil.CollectAndCount(collector,
		"seraph_bridge_rdma_operations_total"))
	requireT.Equal(7, testutil.CollectAndCount(collector))

	expected := strings.NewReader(`
# HELP seraph_bridge_nvme_bytes_total Bytes moved through the local NVMe namespace on behalf of Aether.
# TYPE seraph_bridge_nvme_bytes_total counter
seraph_bridge_nvme_bytes_total{direction="read",node="1"} 0
seraph_bridge_nvme_bytes_total{direction="write",node="1"} 4096
`)
	requireT.NoError(testutil.CollectAndCompare(collector, expected,
		"seraph_bridge_nvme_bytes_total"))
}
