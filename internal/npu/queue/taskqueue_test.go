package queue

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var errSimulatedKernelFailure = errors.New("queue_test: simulated kernel failure")

func tagCallbacks() Callbacks {
	return Callbacks{
		RecordSize:       8,
		CopyIn:           func(slot, record []byte) { copy(slot, record) },
		NewBuffer:        func(size int) []byte { return make([]byte, size) },
		DeleteBuffer:     func([]byte) {},
		CopyReleaseParam: func(buf, slot []byte) { copy(buf, slot) },
		ReleaseParam:     func([]byte) {},
	}
}

func tagRecord(tag uint64) []byte {
	rec := make([]byte, 8)
	binary.LittleEndian.PutUint64(rec, tag)
	return rec
}

// TestQueueFIFO covers spec.md §8 scenario 5 / invariant P7: records come
// out of the consumer in exactly the order they were enqueued.
func TestQueueFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []uint64

	cb := tagCallbacks()
	cb.Execute = func(slot []byte) error {
		mu.Lock()
		got = append(got, binary.LittleEndian.Uint64(slot))
		mu.Unlock()
		return nil
	}

	rq := NewReleaseQueue(cb, nil)
	rq.Start()
	tq := NewTaskQueue(cb, rq, nil, nil)
	tq.Start()

	const n = 10000
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, tq.Enqueue(tagRecord(i)))
	}

	status, err := tq.MakeSureQueueEmpty()
	require.NoError(t, err)
	require.Equal(t, StatusRun, status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, uint64(i+1), v)
	}
}

// TestQueueFullBackpressure covers spec.md §8 scenario 6: once the ring is
// saturated, the producer blocks, and a single wake from the consumer side
// is enough to unblock it.
func TestQueueFullBackpressure(t *testing.T) {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	release := false

	cb := tagCallbacks()
	cb.Execute = func(slot []byte) error {
		mu.Lock()
		for !release {
			cond.Wait()
		}
		mu.Unlock()
		return nil
	}

	rq := NewReleaseQueue(cb, nil)
	rq.Start()
	tq := NewTaskQueue(cb, rq, nil, nil)
	tq.Start()

	rec := tagRecord(0)
	for i := 0; i < SubmissionCapacity; i++ {
		require.NoError(t, tq.Enqueue(rec))
	}

	done := make(chan struct{})
	go func() {
		require.NoError(t, tq.Enqueue(rec))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("enqueue past a full ring should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	release = true
	cond.Signal()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue should have unblocked after the consumer was released")
	}
}

// TestQueueKernelFailureDrainsReleaseWork covers spec.md §4.D's error handling:
// after the execute callback reports a kernel failure, the queue still
// runs release work for every already-queued record and surfaces the
// failure at the next synchronization point.
func TestQueueKernelFailureDrainsReleaseWork(t *testing.T) {
	var mu sync.Mutex
	var released []uint64

	cb := tagCallbacks()
	cb.CopyReleaseParam = func(buf, slot []byte) { copy(buf, slot) }
	cb.ReleaseParam = func(buf []byte) {
		mu.Lock()
		released = append(released, binary.LittleEndian.Uint64(buf))
		mu.Unlock()
	}

	failAt := uint64(3)
	cb.Execute = func(slot []byte) error {
		if binary.LittleEndian.Uint64(slot) == failAt {
			return errSimulatedKernelFailure
		}
		return nil
	}

	rq := NewReleaseQueue(cb, nil)
	rq.Start()
	tq := NewTaskQueue(cb, rq, nil, nil)
	tq.Start()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, tq.Enqueue(tagRecord(i)))
	}

	require.Eventually(t, func() bool {
		return tq.Status() == StatusCanExit
	}, time.Second, time.Millisecond)

	_, err := tq.MakeSureQueueEmpty()
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, released, 5, "every queued record must still be released after a kernel failure")
}
