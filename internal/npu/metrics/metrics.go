// Package metrics mirrors an allocator's DeviceStats into Prometheus gauges
// and counters, following the GaugeVec-per-family pattern used for the
// predictive SLA analyzer's metrics in the retrieval pack's telecom
// intent-operator repo.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/born-ml/born-npu/internal/npu/alloc"
)

// AllocatorMetrics mirrors one device's DeviceStats into Prometheus, broken
// down by the aggregate/small/large label the way spec.md §3 structures
// DeviceStats itself.
type AllocatorMetrics struct {
	allocatedBytes *prometheus.GaugeVec
	reservedBytes  *prometheus.GaugeVec
	activeBytes    *prometheus.GaugeVec
	inactiveSplit  *prometheus.GaugeVec
	segmentCount   *prometheus.GaugeVec
	allocationCnt  *prometheus.GaugeVec

	oversizeAllocations prometheus.Gauge
	oversizeSegments    prometheus.Gauge
	numOOMs             prometheus.Counter
	numAllocRetries     prometheus.Counter

	device string

	// lastOOMs/lastRetries track the totals last pushed into the counters,
	// since prometheus.Counter only exposes Add, not Set.
	lastOOMs    int64
	lastRetries int64
}

// NewAllocatorMetrics registers the gauge/counter families against
// registry (nil is accepted and simply skips registration, useful in
// tests) and returns a recorder scoped to one device ordinal.
func NewAllocatorMetrics(registry prometheus.Registerer, device int) *AllocatorMetrics {
	labels := []string{"pool"}
	m := &AllocatorMetrics{
		device: strconv.Itoa(device),

		allocatedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npu_allocator_allocated_bytes",
			Help: "Bytes currently handed out by the caching allocator.",
		}, labels),
		reservedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npu_allocator_reserved_bytes",
			Help: "Bytes currently reserved from the driver (active + cached).",
		}, labels),
		activeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npu_allocator_active_bytes",
			Help: "Bytes in blocks currently marked allocated.",
		}, labels),
		inactiveSplit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npu_allocator_inactive_split_bytes",
			Help: "Free bytes belonging to a block produced by a split.",
		}, labels),
		segmentCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npu_allocator_segment_count",
			Help: "Number of driver-level segments currently reserved.",
		}, labels),
		allocationCnt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "npu_allocator_allocation_count",
			Help: "Number of live allocations.",
		}, labels),
		oversizeAllocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "npu_allocator_oversize_allocations",
			Help:        "Live allocations at or above max_split_size.",
			ConstLabels: prometheus.Labels{"device": strconv.Itoa(device)},
		}),
		oversizeSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "npu_allocator_oversize_segments",
			Help:        "Reserved segments at or above max_split_size.",
			ConstLabels: prometheus.Labels{"device": strconv.Itoa(device)},
		}),
		numOOMs: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "npu_allocator_oom_total",
			Help:        "Out-of-memory errors raised after every reclaim strategy was exhausted.",
			ConstLabels: prometheus.Labels{"device": strconv.Itoa(device)},
		}),
		numAllocRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "npu_allocator_alloc_retries_total",
			Help:        "Reclaim steps taken after the driver reported out of memory.",
			ConstLabels: prometheus.Labels{"device": strconv.Itoa(device)},
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.allocatedBytes, m.reservedBytes, m.activeBytes, m.inactiveSplit,
			m.segmentCount, m.allocationCnt, m.oversizeAllocations, m.oversizeSegments,
			m.numOOMs, m.numAllocRetries,
		)
	}
	return m
}

// Observe mirrors the given stats snapshot. NumOOMs/NumAllocRetries are
// cumulative totals from the allocator, but prometheus.Counter only exposes
// Add, so Observe adds the delta since the last call rather than the total.
func (m *AllocatorMetrics) Observe(stats alloc.DeviceStats) {
	m.record("small", stats.Small)
	m.record("large", stats.Large)
	m.record("aggregate", stats.Aggregate)

	m.oversizeAllocations.Set(float64(stats.OversizeAllocations.Current))
	m.oversizeSegments.Set(float64(stats.OversizeSegments.Current))

	if delta := stats.NumOOMs - m.lastOOMs; delta > 0 {
		m.numOOMs.Add(float64(delta))
		m.lastOOMs = stats.NumOOMs
	}
	if delta := stats.NumAllocRetries - m.lastRetries; delta > 0 {
		m.numAllocRetries.Add(float64(delta))
		m.lastRetries = stats.NumAllocRetries
	}
}

func (m *AllocatorMetrics) record(pool string, p alloc.PoolStats) {
	m.allocatedBytes.WithLabelValues(pool).Set(float64(p.AllocatedBytes.Current))
	m.reservedBytes.WithLabelValues(pool).Set(float64(p.ReservedBytes.Current))
	m.activeBytes.WithLabelValues(pool).Set(float64(p.ActiveBytes.Current))
	m.inactiveSplit.WithLabelValues(pool).Set(float64(p.InactiveSplitBytes.Current))
	m.segmentCount.WithLabelValues(pool).Set(float64(p.SegmentCount.Current))
	m.allocationCnt.WithLabelValues(pool).Set(float64(p.AllocationCount.Current))
}
