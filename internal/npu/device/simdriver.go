package device

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// region is a contiguous free address range within a simulated device.
type region struct {
	ptr  uintptr
	size uint64
}

type simEvent struct {
	stream    Stream
	recorded  bool
	completed bool
}

// SimDriver is an in-process reference implementation of Driver. It models
// device memory as a flat address space per device ordinal with a
// first-fit free list, and models stream completion explicitly: an event
// stays incomplete until the test calls CompleteEvent or CompleteStream (or
// StreamSynchronize is invoked, which has the same effect). It stands in for
// the vendor runtime (CANN/ACL), which spec.md §1 treats as an external
// collaborator outside this module's scope.
type SimDriver struct {
	mu sync.Mutex

	total     map[int]uint64
	used      map[int]uint64
	free      map[int][]region
	nextAddr  map[int]uintptr
	allocated map[int]map[uintptr]uint64

	events map[Event]*simEvent
}

// NewSimDriver returns a SimDriver with no memory configured for any device;
// call SetDeviceMemory before issuing allocations.
func NewSimDriver() *SimDriver {
	return &SimDriver{
		total:     make(map[int]uint64),
		used:      make(map[int]uint64),
		free:      make(map[int][]region),
		nextAddr:  make(map[int]uintptr),
		allocated: make(map[int]map[uintptr]uint64),
		events:    make(map[Event]*simEvent),
	}
}

// SetDeviceMemory configures the simulated total memory for dev. It must be
// called before any allocation on that device.
func (d *SimDriver) SetDeviceMemory(dev int, total uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total[dev] = total
	d.nextAddr[dev] = 0x1000 // keep the zero pointer reserved for "invalid"
	d.allocated[dev] = make(map[uintptr]uint64)
}

func (d *SimDriver) DeviceAlloc(dev int, size uint64) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if size == 0 {
		return 0, nil
	}

	if d.used[dev]+size > d.total[dev] {
		return 0, errors.Wrapf(ErrOutOfMemory, "device %d: requested %d, free %d", dev, size, d.total[dev]-d.used[dev])
	}

	regions := d.free[dev]
	for i, r := range regions {
		if r.size >= size {
			ptr := r.ptr
			if r.size == size {
				d.free[dev] = append(regions[:i], regions[i+1:]...)
			} else {
				regions[i] = region{ptr: r.ptr + uintptr(size), size: r.size - size}
			}
			d.used[dev] += size
			d.allocated[dev][ptr] = size
			return ptr, nil
		}
	}

	ptr := d.nextAddr[dev]
	d.nextAddr[dev] = ptr + uintptr(size)
	d.used[dev] += size
	d.allocated[dev][ptr] = size
	return ptr, nil
}

func (d *SimDriver) DeviceFree(dev int, ptr uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ptr == 0 {
		return nil
	}
	size, ok := d.allocated[dev][ptr]
	if !ok {
		return errors.Newf("device %d: free of unknown pointer %#x", dev, ptr)
	}
	delete(d.allocated[dev], ptr)
	d.used[dev] -= size
	d.free[dev] = append(d.free[dev], region{ptr: ptr, size: size})
	sort.Slice(d.free[dev], func(i, j int) bool { return d.free[dev][i].ptr < d.free[dev][j].ptr })
	return nil
}

func (d *SimDriver) StreamSynchronize(s Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.events {
		if ev.stream == s {
			ev.completed = true
		}
	}
	return nil
}

func (d *SimDriver) NewEvent(dev int) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev := newEvent(dev)
	d.events[ev] = &simEvent{}
	return ev, nil
}

func (d *SimDriver) DestroyEvent(e Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.events, e)
	return nil
}

func (d *SimDriver) EventRecord(e Event, s Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	se, ok := d.events[e]
	if !ok {
		return errors.Newf("event record: unknown event %+v", e)
	}
	se.stream = s
	se.recorded = true
	se.completed = false
	return nil
}

func (d *SimDriver) EventQuery(e Event) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	se, ok := d.events[e]
	if !ok {
		return false, errors.Newf("event query: unknown event %+v", e)
	}
	if !se.recorded {
		return true, nil
	}
	return se.completed, nil
}

func (d *SimDriver) EventSynchronize(e Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	se, ok := d.events[e]
	if !ok {
		return errors.Newf("event synchronize: unknown event %+v", e)
	}
	se.completed = true
	return nil
}

func (d *SimDriver) MemInfo(dev int) (free, total uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	total = d.total[dev]
	free = total - d.used[dev]
	return free, total, nil
}

// CompleteEvent marks a single outstanding event complete. Test-only hook:
// the real runtime completes events as a side effect of device work
// finishing, which this simulator has no device work to drive.
func (d *SimDriver) CompleteEvent(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if se, ok := d.events[e]; ok {
		se.completed = true
	}
}

// CompleteStream marks every event currently recorded on s complete.
func (d *SimDriver) CompleteStream(s Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.events {
		if ev.recorded && ev.stream == s {
			ev.completed = true
		}
	}
}
