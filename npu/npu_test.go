package npu_test

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-npu/internal/npu/device"
	"github.com/born-ml/born-npu/internal/npu/queue"
	"github.com/born-ml/born-npu/npu"
)

func newTestDevice(t *testing.T, memBytes uint64) (*npu.Device, *device.SimDriver) {
	t.Helper()
	drv := device.NewSimDriver()
	drv.SetDeviceMemory(0, memBytes)
	d, err := npu.NewDevice(drv, 0, nil)
	require.NoError(t, err)
	return d, drv
}

// TestAllocatorFacadeRoundTrip exercises the ptr-based API in spec.md §6 end
// to end: alloc, stream bookkeeping, free, and stats.
func TestAllocatorFacadeRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 64<<20)
	s0 := d.NewStream()

	ptr, err := d.RawAllocWithStream(1<<20, s0)
	require.NoError(t, err)
	require.NotZero(t, ptr)

	base, size, err := d.GetBaseAllocation(ptr)
	require.NoError(t, err)
	require.Equal(t, ptr, base)
	require.GreaterOrEqual(t, size, uint64(1<<20))

	require.NoError(t, d.RawDelete(ptr))

	stats := d.GetDeviceStats()
	require.Equal(t, stats.Aggregate.AllocatedBytes.Allocated-stats.Aggregate.AllocatedBytes.Freed,
		stats.Aggregate.AllocatedBytes.Current)
}

// TestAllocatorFacadeZeroByteIsNoop covers spec.md §8 B1 through the facade.
func TestAllocatorFacadeZeroByteIsNoop(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	ptr, err := d.RawAlloc(0)
	require.NoError(t, err)
	require.Zero(t, ptr)
	require.NoError(t, d.RawDelete(ptr))
}

// TestAllocatorFacadeUnknownPointer covers spec.md §7 category 2 through the
// facade's InvalidDevicePointer path.
func TestAllocatorFacadeUnknownPointer(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	require.Error(t, d.RawDelete(0xdeadbeef))
}

func tagRecord(tag uint64) []byte {
	rec := make([]byte, 8)
	binary.LittleEndian.PutUint64(rec, tag)
	return rec
}

func tagCallbacks() queue.Callbacks {
	return queue.Callbacks{
		RecordSize:       8,
		CopyIn:           func(slot, record []byte) { copy(slot, record) },
		NewBuffer:        func(size int) []byte { return make([]byte, size) },
		DeleteBuffer:     func([]byte) {},
		CopyReleaseParam: func(buf, slot []byte) { copy(buf, slot) },
		ReleaseParam:     func([]byte) {},
	}
}

// TestLaunchQueueAsyncFIFO covers spec.md §8 scenario 5 through the facade,
// with the ring left enabled (the default).
func TestLaunchQueueAsyncFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []uint64

	cb := tagCallbacks()
	cb.Execute = func(slot []byte) error {
		mu.Lock()
		got = append(got, binary.LittleEndian.Uint64(slot))
		mu.Unlock()
		return nil
	}

	q := npu.NewLaunchQueue(cb, nil, nil)
	for i := uint64(1); i <= 1000; i++ {
		require.NoError(t, q.Enqueue(tagRecord(i)))
	}
	status, err := q.MakeSureQueueEmpty()
	require.NoError(t, err)
	require.Equal(t, queue.StatusRun, status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1000)
	for i, v := range got {
		require.Equal(t, uint64(i+1), v)
	}
}

// TestLaunchQueueSynchronousBypass covers spec.md §6's ASCEND_LAUNCH_BLOCKING
// toggle: every Enqueue runs Execute and the full release sequence on the
// calling goroutine before returning.
func TestLaunchQueueSynchronousBypass(t *testing.T) {
	t.Setenv("ASCEND_LAUNCH_BLOCKING", "1")

	var executed, released []uint64
	cb := tagCallbacks()
	cb.Execute = func(slot []byte) error {
		executed = append(executed, binary.LittleEndian.Uint64(slot))
		return nil
	}
	cb.ReleaseParam = func(buf []byte) {
		released = append(released, binary.LittleEndian.Uint64(buf))
	}

	q := npu.NewLaunchQueue(cb, nil, nil)
	require.NoError(t, q.Enqueue(tagRecord(7)))

	require.Equal(t, []uint64{7}, executed)
	require.Equal(t, []uint64{7}, released)
	require.Equal(t, queue.StatusRun, q.Status())

	status, err := q.MakeSureQueueEmpty()
	require.NoError(t, err)
	require.Equal(t, queue.StatusRun, status)
}

// TestLaunchQueueDisabledBypass covers TASK_QUEUE_ENABLE=0: same synchronous
// path as ASCEND_LAUNCH_BLOCKING, driven by the other toggle.
func TestLaunchQueueDisabledBypass(t *testing.T) {
	t.Setenv("TASK_QUEUE_ENABLE", "0")
	require.Equal(t, "0", os.Getenv("TASK_QUEUE_ENABLE"))

	var executed []uint64
	cb := tagCallbacks()
	cb.Execute = func(slot []byte) error {
		executed = append(executed, binary.LittleEndian.Uint64(slot))
		return nil
	}

	q := npu.NewLaunchQueue(cb, nil, nil)
	require.NoError(t, q.Enqueue(tagRecord(9)))
	require.Equal(t, []uint64{9}, executed)
}
