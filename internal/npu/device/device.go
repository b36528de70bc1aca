// Package device carries the minimal vocabulary the caching allocator and
// the task queue assume: stream and event handles, and the vendor driver
// interface they issue calls through. Individual operator kernels and the
// real CANN/ACL runtime are external collaborators and are not implemented
// here.
package device

import "sync/atomic"

var nextHandle uint64

func newHandle() uint64 {
	return atomic.AddUint64(&nextHandle, 1)
}

// Stream identifies an ordered queue of device work. Two handles compare
// equal only if they were produced by the same NewStream call (or are both
// the zero value, the default stream).
type Stream struct {
	Device int
	id     uint64
}

// NewStream allocates a fresh stream handle for device.
func NewStream(dev int) Stream {
	return Stream{Device: dev, id: newHandle()}
}

// Less imposes an arbitrary but stable total order over streams, used by the
// block pool's (stream, size, ptr) ordering.
func (s Stream) Less(o Stream) bool {
	if s.Device != o.Device {
		return s.Device < o.Device
	}
	return s.id < o.id
}

// Event is a device-observable completion marker. The zero Event is never
// valid; events are minted by Driver.NewEvent.
type Event struct {
	Device int
	id     uint64
}

func newEvent(dev int) Event {
	return Event{Device: dev, id: newHandle()}
}
