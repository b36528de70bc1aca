package npu

import (
	"github.com/born-ml/born-npu/internal/npu/queue"
)

// LaunchQueue is the operator-kernel-facing launch queue: the ring-backed
// asynchronous path when enabled, or a synchronous call-through when the
// environment disables it (spec.md §6's TASK_QUEUE_ENABLE /
// ASCEND_LAUNCH_BLOCKING toggles).
type LaunchQueue struct {
	cfg queue.Config
	cb  queue.Callbacks
	tq  *queue.TaskQueue
	rq  *queue.ReleaseQueue
}

// NewLaunchQueue registers cb (the six-callback record, see queue.Callbacks)
// and starts the submission/release workers unless the environment selects
// the synchronous bypass. gil and logger may be nil.
func NewLaunchQueue(cb queue.Callbacks, gil queue.PyGILShim, logger queue.Logger) *LaunchQueue {
	cfg := queue.LoadConfigFromEnv()
	rq := queue.NewReleaseQueue(cb, logger)
	tq := queue.NewTaskQueue(cb, rq, gil, logger)

	q := &LaunchQueue{cfg: cfg, cb: cb, tq: tq, rq: rq}
	if q.async() {
		rq.Start()
		tq.Start()
	}
	return q
}

// async reports whether records route through the ring at all, versus
// running synchronously on the calling thread.
func (q *LaunchQueue) async() bool {
	return q.cfg.Enabled && !q.cfg.LaunchBlocking
}

// Enqueue implements spec.md §6 enqueue. When TASK_QUEUE_ENABLE is false or
// ASCEND_LAUNCH_BLOCKING is set, it bypasses the ring entirely and runs the
// full execute/release sequence synchronously on the caller's goroutine, per
// spec.md §6's "the ring is bypassed and every call runs on the producer
// thread."
func (q *LaunchQueue) Enqueue(record []byte) error {
	if !q.async() {
		return q.runSynchronously(record)
	}
	return q.tq.Enqueue(record)
}

func (q *LaunchQueue) runSynchronously(record []byte) error {
	slot := make([]byte, q.cb.RecordSize)
	q.cb.CopyIn(slot, record)
	if err := q.cb.Execute(slot); err != nil {
		return err
	}
	buf := q.cb.NewBuffer(q.cb.RecordSize)
	q.cb.CopyReleaseParam(buf, slot)
	q.cb.ReleaseParam(buf)
	q.cb.DeleteBuffer(buf)
	return nil
}

// MakeSureQueueEmpty implements spec.md §6 make_sure_queue_empty. In the
// synchronous bypass every Enqueue has already completed by the time it
// returns, so this is a no-op reporting StatusRun.
func (q *LaunchQueue) MakeSureQueueEmpty() (queue.Status, error) {
	if !q.async() {
		return queue.StatusRun, nil
	}
	return q.tq.MakeSureQueueEmpty()
}

// Status reports the submission worker's RUN/NEED_EXIT/CAN_EXIT state. In
// the synchronous bypass it is always StatusRun, since there is no worker.
func (q *LaunchQueue) Status() queue.Status {
	if !q.async() {
		return queue.StatusRun
	}
	return q.tq.Status()
}

// Shutdown requests a cooperative shutdown of the submission and release
// workers, if running.
func (q *LaunchQueue) Shutdown() {
	if !q.async() {
		return
	}
	q.tq.Shutdown()
	q.rq.Shutdown()
}
