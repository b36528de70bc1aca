package alloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// OutOfMemoryError is raised when every reclaim strategy in spec.md §4.C.1
// has been exhausted and the driver still reports OOM. It is not retryable
// by the allocator itself; the caller may free other tensors and retry.
type OutOfMemoryError struct {
	Device      int
	Requested   uint64
	DeviceFree  uint64
	DeviceTotal uint64
	Allocated   uint64
	Active      uint64
	Reserved    uint64
	FractionCap float64 // 0 if unset
}

func (e *OutOfMemoryError) Error() string {
	msg := fmt.Sprintf(
		"npu: out of memory on device %d: tried to allocate %d bytes; device has %d/%d bytes free; "+
			"allocator has %d bytes allocated, %d bytes active, %d bytes reserved",
		e.Device, e.Requested, e.DeviceFree, e.DeviceTotal, e.Allocated, e.Active, e.Reserved,
	)
	if e.FractionCap > 0 {
		msg += fmt.Sprintf("; memory fraction capped at %.3f", e.FractionCap)
	}
	return msg
}

// InvalidDevicePointerError is raised when Free, GetBaseAllocation, or
// EraseStream is called with a pointer the allocator did not issue. Fatal
// at the call site, per spec.md §7 category 2.
type InvalidDevicePointerError struct {
	Op  string
	Ptr uintptr
}

func (e *InvalidDevicePointerError) Error() string {
	return fmt.Sprintf("npu: %s: pointer %#x was not issued by this allocator", e.Op, e.Ptr)
}

// wrapDriverError annotates a non-OOM driver failure for propagation,
// spec.md §7 category 3.
func wrapDriverError(op string, err error) error {
	return errors.Wrapf(err, "npu: driver error during %s", op)
}
