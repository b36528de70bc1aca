package queue

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestReleaseQueueFIFO covers spec.md §4.E: buffers are released in the
// order they were enqueued, and the paired delete-buffer callback runs for
// every one of them.
func TestReleaseQueueFIFO(t *testing.T) {
	var mu sync.Mutex
	var released, deleted []uint64

	cb := Callbacks{
		ReleaseParam: func(buf []byte) {
			mu.Lock()
			released = append(released, binary.LittleEndian.Uint64(buf))
			mu.Unlock()
		},
		DeleteBuffer: func(buf []byte) {
			mu.Lock()
			deleted = append(deleted, binary.LittleEndian.Uint64(buf))
			mu.Unlock()
		},
	}

	rq := NewReleaseQueue(cb, nil)
	rq.Start()

	const n = 2000
	for i := uint64(0); i < n; i++ {
		rq.Enqueue(tagRecord(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(released) == n
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deleted, n)
	for i := uint64(0); i < n; i++ {
		require.Equal(t, i, released[i])
	}
}

// TestReleaseQueueShutdown covers the RUN → NEED_EXIT → CAN_EXIT transition
// on an idle release queue.
func TestReleaseQueueShutdown(t *testing.T) {
	cb := Callbacks{
		ReleaseParam: func([]byte) {},
		DeleteBuffer: func([]byte) {},
	}
	rq := NewReleaseQueue(cb, nil)
	rq.Start()

	rq.Shutdown()
	require.Eventually(t, func() bool {
		return rq.Status() == StatusCanExit
	}, time.Second, time.Millisecond)
}
