package device

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned by Driver.DeviceAlloc when the device has no
// contiguous region of the requested size. The allocator distinguishes it
// from other driver failures with errors.Is.
var ErrOutOfMemory = errors.New("device: out of memory")

// Driver is the vendor kernel-dispatch surface the allocator and event pool
// are built against. spec.md §1 treats the real implementation (CANN/ACL on
// an actual NPU) as an external collaborator; SimDriver is the in-process
// stand-in used by this module's tests and demo command.
//
// NewEvent/DestroyEvent are not named in spec.md's primitive list but are
// required for EventPool's lazy create/return-at-teardown lifecycle (§4.B);
// they mirror aclrtCreateEvent/aclrtDestroyEvent in the real runtime.
type Driver interface {
	DeviceAlloc(dev int, size uint64) (uintptr, error)
	DeviceFree(dev int, ptr uintptr) error

	StreamSynchronize(s Stream) error

	NewEvent(dev int) (Event, error)
	DestroyEvent(e Event) error
	EventRecord(e Event, s Stream) error
	EventQuery(e Event) (complete bool, err error)
	EventSynchronize(e Event) error

	MemInfo(dev int) (free, total uint64, err error)
}
