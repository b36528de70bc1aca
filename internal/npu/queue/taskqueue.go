package queue

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// SubmissionCapacity is the fixed submission-ring capacity (spec.md §4.D).
const SubmissionCapacity = 4096

// Status is the producer/consumer shutdown state machine (spec.md §4.D).
type Status int32

const (
	StatusRun Status = iota
	StatusNeedExit
	StatusCanExit
)

func (s Status) String() string {
	switch s {
	case StatusRun:
		return "RUN"
	case StatusNeedExit:
		return "NEED_EXIT"
	case StatusCanExit:
		return "CAN_EXIT"
	default:
		return "UNKNOWN"
	}
}

// Logger receives non-fatal diagnostics, e.g. shutdown violations (spec.md
// §7 category 5: "logged and ignored; never crash").
type Logger func(format string, args ...any)

// Callbacks is the six-function capability record supplied once at
// registration (spec.md §6, §9 "function-pointer callback registry"). The
// queue is polymorphic over this record rather than over a statically typed
// record struct; RecordSize is carried in the record itself. There is no
// release callback: the consumer hands each record's release buffer to the
// release queue itself (see releaseSlot).
type Callbacks struct {
	// RecordSize is the fixed size in bytes of every submission-ring slot.
	RecordSize int

	// CopyIn copies a caller-supplied record into a ring slot.
	CopyIn func(slot, record []byte)

	// Execute runs the kernel launch described by slot. A non-nil error is
	// a KernelFailure (spec.md §7 category 4).
	Execute func(slot []byte) error

	// NewBuffer and DeleteBuffer manage the lifetime of the intermediate
	// buffer CopyReleaseParam populates, decoupling it from the
	// submission-ring slot's reuse once read_idx advances.
	NewBuffer    func(size int) []byte
	DeleteBuffer func(buf []byte)

	// CopyReleaseParam extracts whatever release work needs from slot into
	// buf before the slot can be overwritten by a future enqueue.
	CopyReleaseParam func(buf, slot []byte)

	// ReleaseParam performs the actual destructor work on a buffer produced
	// by CopyReleaseParam, invoked on the releaser thread.
	ReleaseParam func(buf []byte)
}

type errBox struct{ err error }

// TaskQueue is the bounded submission ring connecting the host producer
// thread to one submission worker (spec.md §4.D).
type TaskQueue struct {
	ring    *recordRing
	cb      Callbacks
	release *ReleaseQueue
	gil     PyGILShim
	logger  Logger

	producerMu sync.Mutex

	writeWorking atomic.Bool
	readWorking  atomic.Bool
	needEmpty    atomic.Bool
	status       atomic.Int32

	fatal atomic.Value // errBox

	writeWake *wakeEvent
	readWake  *wakeEvent
	emptyWake *wakeEvent

	started atomic.Bool
}

// NewTaskQueue registers cb and returns a queue feeding release into rq.
// gil and logger may be nil (NoopGIL and a no-op logger are substituted).
func NewTaskQueue(cb Callbacks, rq *ReleaseQueue, gil PyGILShim, logger Logger) *TaskQueue {
	if gil == nil {
		gil = NoopGIL
	}
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &TaskQueue{
		ring:      newRecordRing(SubmissionCapacity, cb.RecordSize),
		cb:        cb,
		release:   rq,
		gil:       gil,
		logger:    logger,
		writeWake: newWakeEvent(),
		readWake:  newWakeEvent(),
		emptyWake: newWakeEvent(),
	}
}

// Start launches the consumer goroutine. Call once.
func (q *TaskQueue) Start() {
	if q.started.Swap(true) {
		return
	}
	go q.run()
}

func (q *TaskQueue) Status() Status {
	return Status(q.status.Load())
}

func (q *TaskQueue) checkFatal() error {
	if v, ok := q.fatal.Load().(errBox); ok {
		return v.err
	}
	return nil
}

// Enqueue implements the producer protocol in spec.md §4.D. It copies record
// into the next ring slot via the registered CopyIn callback, blocking on
// the write-wake primitive (with the GIL shim released around the wait)
// while the ring is full.
func (q *TaskQueue) Enqueue(record []byte) error {
	if Status(q.status.Load()) != StatusRun {
		q.logger("queue: enqueue called while not running (status %s); ignored", Status(q.status.Load()))
		return q.checkFatal()
	}

	q.producerMu.Lock()
	defer q.producerMu.Unlock()

	q.writeWorking.Store(true)
	for {
		slot, ok := q.ring.reserveWrite()
		if ok {
			q.cb.CopyIn(slot, record)
			q.ring.advanceWrite()
			break
		}

		q.writeWorking.Store(false)
		if q.ring.full() {
			q.gil.Release()
			q.writeWake.wait()
			q.gil.Acquire()
		}
		q.writeWorking.Store(true)
	}

	if !q.readWorking.Load() {
		q.readWake.signal()
	}
	return q.checkFatal()
}

// MakeSureQueueEmpty implements spec.md §4.D's drain handshake: block until
// the consumer has processed every record currently in the ring.
func (q *TaskQueue) MakeSureQueueEmpty() (Status, error) {
	q.needEmpty.Store(true)
	if !q.ring.empty() {
		q.emptyWake.wait()
	}
	q.needEmpty.Store(false)
	return Status(q.status.Load()), q.checkFatal()
}

// Shutdown requests a cooperative RUN → NEED_EXIT → CAN_EXIT transition and
// wakes the consumer so it can observe the new status.
func (q *TaskQueue) Shutdown() {
	q.status.Store(int32(StatusNeedExit))
	q.readWake.signal()
}

// run is the consumer protocol in spec.md §4.D, executed on its own
// goroutine until status reaches CAN_EXIT.
func (q *TaskQueue) run() {
	for {
		q.readWorking.Store(true)

		slot, ok := q.ring.peek()
		if !ok {
			if Status(q.status.Load()) == StatusNeedExit {
				q.status.Store(int32(StatusCanExit))
				if q.needEmpty.Load() {
					q.emptyWake.signal()
				}
				return
			}
			q.readWorking.Store(false)
			if q.ring.empty() {
				q.readWake.wait()
			}
			continue
		}

		if err := q.cb.Execute(slot); err != nil {
			q.handleKernelFailure(err)
			return
		}
		q.releaseSlot(slot)
		q.ring.advanceRead()

		if q.needEmpty.Load() && q.ring.empty() {
			q.emptyWake.signal()
		}
		if !q.writeWorking.Load() {
			q.writeWake.signal()
		}
	}
}

// releaseSlot extracts release-work from slot via CopyReleaseParam into a
// NewBuffer-provided buffer and hands it to the release queue (spec.md
// §4.D step 2, §4.E).
func (q *TaskQueue) releaseSlot(slot []byte) {
	buf := q.cb.NewBuffer(q.cb.RecordSize)
	q.cb.CopyReleaseParam(buf, slot)
	q.release.Enqueue(buf)
}

// handleKernelFailure implements spec.md §7 category 4: after an execute
// failure, drain the remainder of the ring running only release work (no
// further kernel submissions), then transition straight to CAN_EXIT and
// remember the error for the next host synchronization point.
func (q *TaskQueue) handleKernelFailure(cause error) {
	for {
		slot, ok := q.ring.peek()
		if !ok {
			break
		}
		q.releaseSlot(slot)
		q.ring.advanceRead()
	}

	q.fatal.Store(errBox{err: errors.Wrapf(cause,
		"queue: kernel execution failed; rerun with synchronous launches to locate the call site")})
	q.status.Store(int32(StatusCanExit))
	if q.needEmpty.Load() {
		q.emptyWake.signal()
	}
}
