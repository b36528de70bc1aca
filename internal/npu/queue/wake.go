// Package queue implements the host-to-worker submission ring (spec.md §4.D)
// and the worker-to-releaser release ring (§4.E): bounded power-of-two ring
// buffers connecting three thread kinds (host callers, one submission
// worker, one releaser) per device.
package queue

// wakeEvent is a one-shot, coalescing wake primitive standing in for the
// eventfd objects (`efd_read`, `efd_write`, `efd_empty`) the original design
// signals across OS threads. grpc-go-shmem's ShmRing reaches for the same
// thing over shared memory with futexWake/futexWait on a sequence counter;
// since both sides here are goroutines in one process, a depth-1 channel
// gives the identical "signal wakes exactly one waiter, redundant signals
// coalesce" semantics without a syscall.
type wakeEvent struct {
	ch chan struct{}
}

func newWakeEvent() *wakeEvent {
	return &wakeEvent{ch: make(chan struct{}, 1)}
}

// signal delivers one wake token. Non-blocking: a pending, unconsumed token
// satisfies the next wait, matching the one-shot eventfd write.
func (w *wakeEvent) signal() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// wait blocks until a token is available.
func (w *wakeEvent) wait() {
	<-w.ch
}

// PyGILShim hides the "release the embedding runtime's global interpreter
// lock around a blocking wait, reacquire after" coupling described in
// spec.md §4.D. The queue calls Release immediately before a blocking wait
// and Acquire immediately after. NoopGIL, the zero-value default, is correct
// for any environment with no such runtime.
type PyGILShim interface {
	Release()
	Acquire()
}

type noopGIL struct{}

func (noopGIL) Release() {}
func (noopGIL) Acquire() {}

// NoopGIL is the default shim: both methods are no-ops.
var NoopGIL PyGILShim = noopGIL{}
