package queue

import (
	"sync/atomic"
	"time"
)

// ReleaseCapacity is the fixed release-ring capacity (spec.md §4.E).
const ReleaseCapacity = 8192

// ReleaseQueue is the bounded ring connecting the submission worker (sole
// producer) to one releaser thread (sole consumer), per spec.md §4.E. It is
// structurally the same design as TaskQueue but simpler: no mutex (single
// writer, single reader), no empty-handshake, and the producer spins rather
// than blocking on a wake primitive, since space is always imminent — the
// releaser only performs destructor work.
type ReleaseQueue struct {
	cb    Callbacks
	mask  uint64
	slots [][]byte

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
	status   atomic.Int32

	logger  Logger
	started atomic.Bool
}

// NewReleaseQueue returns a release queue that invokes cb.ReleaseParam and
// cb.DeleteBuffer on each dequeued buffer.
func NewReleaseQueue(cb Callbacks, logger Logger) *ReleaseQueue {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &ReleaseQueue{
		cb:     cb,
		mask:   ReleaseCapacity - 1,
		slots:  make([][]byte, ReleaseCapacity),
		logger: logger,
	}
}

func (q *ReleaseQueue) capacity() uint64 { return q.mask + 1 }
func (q *ReleaseQueue) used() uint64     { return q.writeIdx.Load() - q.readIdx.Load() }
func (q *ReleaseQueue) full() bool       { return q.used() == q.capacity() }
func (q *ReleaseQueue) empty() bool      { return q.used() == 0 }

// Start launches the releaser goroutine. Call once.
func (q *ReleaseQueue) Start() {
	if q.started.Swap(true) {
		return
	}
	go q.run()
}

func (q *ReleaseQueue) Status() Status {
	return Status(q.status.Load())
}

// Enqueue hands a release-param buffer to the releaser thread, spinning
// while the ring is full.
func (q *ReleaseQueue) Enqueue(buf []byte) {
	for q.full() {
	}
	idx := q.writeIdx.Load() & q.mask
	q.slots[idx] = buf
	q.writeIdx.Store(q.writeIdx.Load() + 1)
}

// Shutdown requests a cooperative RUN → NEED_EXIT → CAN_EXIT transition.
func (q *ReleaseQueue) Shutdown() {
	q.status.Store(int32(StatusNeedExit))
}

// run is the consumer loop: poll every microsecond while empty, per
// spec.md §4.E ("select-waits 1µs between attempts").
func (q *ReleaseQueue) run() {
	for {
		if q.empty() {
			if Status(q.status.Load()) == StatusNeedExit {
				q.status.Store(int32(StatusCanExit))
				return
			}
			time.Sleep(time.Microsecond)
			continue
		}

		idx := q.readIdx.Load() & q.mask
		buf := q.slots[idx]
		q.slots[idx] = nil
		q.cb.ReleaseParam(buf)
		q.cb.DeleteBuffer(buf)
		q.readIdx.Store(q.readIdx.Load() + 1)
	}
}
