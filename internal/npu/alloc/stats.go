package alloc

// Stat mirrors one counter/gauge family from spec.md §3: current value,
// historical peak, and lifetime allocated/freed totals.
type Stat struct {
	Current   int64
	Peak      int64
	Allocated int64
	Freed     int64
}

func (s *Stat) increase(amount int64) {
	s.Current += amount
	if amount > 0 {
		s.Allocated += amount
	}
	if s.Current > s.Peak {
		s.Peak = s.Current
	}
}

func (s *Stat) decrease(amount int64) {
	s.Current -= amount
	if amount > 0 {
		s.Freed += amount
	}
}

func (s *Stat) resetAccumulated() {
	s.Allocated = 0
	s.Freed = 0
}

func (s *Stat) resetPeak() {
	s.Peak = s.Current
}

// PoolStats is the per-pool (or aggregate) slice of DeviceStats, spec.md §3.
type PoolStats struct {
	AllocationCount    Stat
	AllocatedBytes     Stat
	ReservedBytes      Stat
	ActiveBytes        Stat
	InactiveSplitBytes Stat
	SegmentCount       Stat
}

func (p *PoolStats) resetAccumulated() {
	p.AllocationCount.resetAccumulated()
	p.AllocatedBytes.resetAccumulated()
	p.ReservedBytes.resetAccumulated()
	p.ActiveBytes.resetAccumulated()
	p.InactiveSplitBytes.resetAccumulated()
	p.SegmentCount.resetAccumulated()
}

func (p *PoolStats) resetPeak() {
	p.AllocationCount.resetPeak()
	p.AllocatedBytes.resetPeak()
	p.ReservedBytes.resetPeak()
	p.ActiveBytes.resetPeak()
	p.InactiveSplitBytes.resetPeak()
	p.SegmentCount.resetPeak()
}

// DeviceStats is the full counter set for one device (spec.md §3), broken
// down by aggregate / small-pool / large-pool, plus the oversize
// subcounters SPEC_FULL.md promotes to first-class fields and the OOM/retry
// counters.
type DeviceStats struct {
	Aggregate PoolStats
	Small     PoolStats
	Large     PoolStats

	OversizeAllocations Stat
	OversizeSegments    Stat

	NumOOMs         int64
	NumAllocRetries int64
}

func (d *DeviceStats) poolFor(kind PoolKind) *PoolStats {
	if kind == Small {
		return &d.Small
	}
	return &d.Large
}

// recordAllocation applies a newly-handed-out block's bytes to both the
// aggregate and owning-pool stats, per spec.md §4.C.7.
func (d *DeviceStats) recordAllocation(kind PoolKind, bytes uint64, oversize bool, maxSplit uint64) {
	d.Aggregate.AllocationCount.increase(1)
	d.Aggregate.AllocatedBytes.increase(int64(bytes))
	d.Aggregate.ActiveBytes.increase(int64(bytes))

	pool := d.poolFor(kind)
	pool.AllocationCount.increase(1)
	pool.AllocatedBytes.increase(int64(bytes))
	pool.ActiveBytes.increase(int64(bytes))

	if oversize {
		d.OversizeAllocations.increase(1)
	}
	_ = maxSplit
}

// recordFree mirrors recordAllocation for a block leaving the active set.
func (d *DeviceStats) recordFree(kind PoolKind, bytes uint64, oversize bool) {
	d.Aggregate.AllocationCount.decrease(1)
	d.Aggregate.AllocatedBytes.decrease(int64(bytes))
	d.Aggregate.ActiveBytes.decrease(int64(bytes))

	pool := d.poolFor(kind)
	pool.AllocationCount.decrease(1)
	pool.AllocatedBytes.decrease(int64(bytes))
	pool.ActiveBytes.decrease(int64(bytes))

	if oversize {
		d.OversizeAllocations.decrease(1)
	}
}

// recordReserve applies a new driver-level segment's bytes to the reserved
// bytes and segment count for both aggregate and owning pool. Inactive-split
// bytes are not touched here; poolInsert/poolRemove maintain them.
func (d *DeviceStats) recordReserve(kind PoolKind, bytes uint64) {
	d.Aggregate.ReservedBytes.increase(int64(bytes))
	d.Aggregate.SegmentCount.increase(1)
	pool := d.poolFor(kind)
	pool.ReservedBytes.increase(int64(bytes))
	pool.SegmentCount.increase(1)
}

// recordUnreserve mirrors recordReserve when a segment is returned to the
// driver (spec.md §4.C.1.f / §4.C.6).
func (d *DeviceStats) recordUnreserve(kind PoolKind, bytes uint64) {
	d.Aggregate.ReservedBytes.decrease(int64(bytes))
	d.Aggregate.SegmentCount.decrease(1)
	pool := d.poolFor(kind)
	pool.ReservedBytes.decrease(int64(bytes))
	pool.SegmentCount.decrease(1)
}

func (d *DeviceStats) recordInactiveSplit(kind PoolKind, delta int64) {
	if delta >= 0 {
		d.Aggregate.InactiveSplitBytes.increase(delta)
		d.poolFor(kind).InactiveSplitBytes.increase(delta)
	} else {
		d.Aggregate.InactiveSplitBytes.decrease(-delta)
		d.poolFor(kind).InactiveSplitBytes.decrease(-delta)
	}
}

// ResetAccumulatedStats zeroes the lifetime allocated/freed counters while
// leaving current and peak untouched (spec.md §6 reset_accumulated_stats).
func (d *DeviceStats) ResetAccumulatedStats() {
	d.Aggregate.resetAccumulated()
	d.Small.resetAccumulated()
	d.Large.resetAccumulated()
	d.OversizeAllocations.resetAccumulated()
	d.OversizeSegments.resetAccumulated()
	d.NumOOMs = 0
	d.NumAllocRetries = 0
}

// ResetPeakStats resets every peak gauge to its current value (spec.md §6
// reset_peak_stats).
func (d *DeviceStats) ResetPeakStats() {
	d.Aggregate.resetPeak()
	d.Small.resetPeak()
	d.Large.resetPeak()
	d.OversizeAllocations.resetPeak()
	d.OversizeSegments.resetPeak()
}
