package npu

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/born-ml/born-npu/internal/npu/alloc"
	"github.com/born-ml/born-npu/internal/npu/device"
	"github.com/born-ml/born-npu/internal/npu/metrics"
)

// Device is one NPU device's caching allocator and its metrics, the unit
// the tensor storage layer binds a stream of work to. The launch queue is a
// separate type, LaunchQueue.
type Device struct {
	id     int
	alloc  *alloc.DeviceCachingAllocator
	drv    device.Driver
	metric *metrics.AllocatorMetrics
}

// NewDevice wires a caching allocator for deviceID against drv, configured
// from PYTORCH_NPU_ALLOC_CONF (see alloc.LoadConfigFromEnv). Passing a
// non-nil registry additionally registers Prometheus gauges mirroring
// GetDeviceStats. An error is returned only if PYTORCH_NPU_ALLOC_CONF is
// malformed.
func NewDevice(drv device.Driver, deviceID int, registry prometheus.Registerer) (*Device, error) {
	cfg, err := alloc.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return &Device{
		id:     deviceID,
		alloc:  alloc.New(drv, deviceID, cfg),
		drv:    drv,
		metric: metrics.NewAllocatorMetrics(registry, deviceID),
	}, nil
}

// SetLogger installs the sink for the allocator's non-fatal diagnostics.
func (d *Device) SetLogger(l alloc.Logger) {
	d.alloc.SetLogger(l)
}

// NewStream allocates a fresh stream handle on this device.
func (d *Device) NewStream() device.Stream {
	return device.NewStream(d.id)
}

// RawAlloc implements spec.md §6 raw_alloc: allocate nbytes on the default
// stream. A zero-byte request returns a nil pointer without touching any
// pool (spec.md §8 B1).
func (d *Device) RawAlloc(nbytes uint64) (uintptr, error) {
	return d.RawAllocWithStream(nbytes, device.Stream{Device: d.id})
}

// RawAllocWithStream implements spec.md §6 raw_alloc_with_stream.
func (d *Device) RawAllocWithStream(nbytes uint64, stream device.Stream) (uintptr, error) {
	b, err := d.alloc.Malloc(nbytes, stream)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	return b.Ptr, nil
}

// RawDelete implements spec.md §6 raw_delete. A nil pointer (the result of a
// zero-byte RawAlloc) is a no-op.
func (d *Device) RawDelete(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}
	b, err := d.alloc.BlockAt(ptr)
	if err != nil {
		return err
	}
	return d.alloc.Free(b)
}

// RecordStream implements spec.md §6 record_stream / §4.C.5.
func (d *Device) RecordStream(ptr uintptr, stream device.Stream) error {
	b, err := d.alloc.BlockAt(ptr)
	if err != nil {
		return err
	}
	d.alloc.RecordStream(b, stream)
	return nil
}

// EraseStream implements spec.md §6 erase_stream / §4.C.5.
func (d *Device) EraseStream(ptr uintptr, stream device.Stream) error {
	b, err := d.alloc.BlockAt(ptr)
	if err != nil {
		return err
	}
	d.alloc.EraseStream(b, stream)
	return nil
}

// EmptyCache implements spec.md §6 empty_cache(check_error).
func (d *Device) EmptyCache(checkError bool) error {
	return d.alloc.EmptyCache(checkError)
}

// SetMemoryFraction implements spec.md §6 set_memory_fraction.
func (d *Device) SetMemoryFraction(fraction float64) error {
	return d.alloc.SetMemoryFraction(fraction)
}

// GetBaseAllocation implements spec.md §6 get_base_allocation.
func (d *Device) GetBaseAllocation(ptr uintptr) (base uintptr, size uint64, err error) {
	return d.alloc.GetBaseAllocation(ptr)
}

// Snapshot implements spec.md §6 snapshot.
func (d *Device) Snapshot() []alloc.SegmentInfo {
	return d.alloc.Snapshot()
}

// GetDeviceStats implements spec.md §6 get_device_stats. It also refreshes
// the Prometheus gauges registered in NewDevice, giving the stats struct a
// second, scrape-able consumer.
func (d *Device) GetDeviceStats() alloc.DeviceStats {
	stats := d.alloc.Stats()
	d.metric.Observe(stats)
	return stats
}

// ResetAccumulatedStats implements spec.md §6 reset_accumulated_stats.
func (d *Device) ResetAccumulatedStats() {
	d.alloc.ResetAccumulatedStats()
}

// ResetPeakStats implements spec.md §6 reset_peak_stats.
func (d *Device) ResetPeakStats() {
	d.alloc.ResetPeakStats()
}

// RegisterFreeMemoryCallback lets another subsystem (e.g. a compiled-kernel
// cache) release memory under pressure before a malloc fails (SPEC_FULL's
// free-memory callback registry, grounded in
// NPUCachingAllocator.cpp's registered free-memory callbacks).
func (d *Device) RegisterFreeMemoryCallback(cb func() bool) (unregister func()) {
	return d.alloc.RegisterFreeMemoryCallback(cb)
}

// Shutdown marks the device's allocator as tearing down (spec.md §4.C.2).
func (d *Device) Shutdown() {
	d.alloc.Shutdown()
}

// Driver returns the vendor driver this device issues calls through, for
// callers that need direct access (e.g. completing a SimDriver stream in
// tests).
func (d *Device) Driver() device.Driver {
	return d.drv
}
