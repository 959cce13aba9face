package blockpool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric surface for the allocator. Registered once at package init,
// the way the rdmacm and shutdown packages declare their promauto
// series: package-level vars, not per-handle state, so
// that scraping the default registry is enough regardless of how many
// *Pool handles exist in the process.
var (
	regionsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdmapool_regions_total",
		Help: "Number of installed regions per size class.",
	}, []string{"class"})

	idleBytesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdmapool_idle_bytes",
		Help: "Idle bytes available per size class, excluding undrained ready-list extents.",
	}, []string{"class"})

	allocTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmapool_alloc_total",
		Help: "Allocation attempts per size class and result.",
	}, []string{"class", "result"})

	deallocTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmapool_dealloc_total",
		Help: "Deallocation attempts per size class and result.",
	}, []string{"class", "result"})

	extendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmapool_extend_total",
		Help: "Region extension attempts per size class and result.",
	}, []string{"class", "result"})

	extendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmapool_extend_failures_total",
		Help: "Region extension failures, incremented unconditionally regardless of whether the failure was logged.",
	})

	nodePoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmapool_node_pool_exhausted_total",
		Help: "Times the idle-node arena had no free node to hand out.",
	})
)

func classLabel(blockSize uint64) string {
	return strconv.FormatUint(blockSize, 10)
}

const (
	resultSuccess = "success"
	resultFailure = "failure"
)
