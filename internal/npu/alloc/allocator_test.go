package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/born-npu/internal/npu/device"
)

func newTestAllocator(t *testing.T, totalBytes uint64) (*DeviceCachingAllocator, *device.SimDriver) {
	t.Helper()
	drv := device.NewSimDriver()
	drv.SetDeviceMemory(0, totalBytes)
	return New(drv, 0, Config{}), drv
}

func TestMallocZeroIsNoop(t *testing.T) {
	a, _ := newTestAllocator(t, 64<<20)
	stream := device.NewStream(0)

	b, err := a.Malloc(0, stream)
	require.NoError(t, err)
	require.Nil(t, b)

	stats := a.Stats()
	require.Zero(t, stats.Aggregate.AllocationCount.Current)
}

// TestSplitAndMerge covers P6 (segment conservation): splitting a large
// segment into an active head and a free tail, then freeing both, must
// collapse back to a single free block spanning the whole segment.
func TestSplitAndMerge(t *testing.T) {
	a, _ := newTestAllocator(t, 64<<20)
	stream := device.NewStream(0)

	first, err := a.Malloc(1<<20, stream)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.True(t, first.isSplit(), "first allocation should have split off a free tail")

	segBefore := a.Snapshot()
	require.Len(t, segBefore, 1)
	var total uint64
	for _, blk := range segBefore[0].Blocks {
		total += blk.Size
	}
	require.Equal(t, segBefore[0].TotalSize, total)

	// A large-pool request on the same stream is carved from first's free tail.
	second, err := a.Malloc(2<<20, stream)
	require.NoError(t, err)
	require.NotNil(t, second)

	require.NoError(t, a.Free(first))
	require.NoError(t, a.Free(second))

	segAfter := a.Snapshot()
	require.Len(t, segAfter, 1)
	require.Len(t, segAfter[0].Blocks, 1, "freeing every block in a segment must merge it back into one")
	require.False(t, segAfter[0].Blocks[0].Allocated)
}

// TestCrossStreamDeferredFree covers P3/P4: a block freed while still
// recorded on a second stream must stay out of the free pool until that
// stream's completion event is observed by process_events.
func TestCrossStreamDeferredFree(t *testing.T) {
	a, drv := newTestAllocator(t, 64<<20)
	streamA := device.NewStream(0)
	streamB := device.NewStream(0)

	b, err := a.Malloc(4<<20, streamA)
	require.NoError(t, err)

	a.RecordStream(b, streamB)
	require.NoError(t, a.Free(b))

	// Immediately after Free, the block must not be reusable: it is still
	// waiting on streamB's completion event.
	again, err := a.Malloc(4<<20, streamA)
	require.NoError(t, err)
	require.NotEqual(t, b.Ptr, again.Ptr, "block with outstanding stream use must not be reused yet")
	require.NoError(t, a.Free(again))

	drv.CompleteStream(streamB)

	// The next malloc call drains pending events at its start and should
	// now be able to reuse b's memory.
	reused, err := a.Malloc(4<<20, streamA)
	require.NoError(t, err)
	require.NoError(t, a.Free(reused))
}

// TestOOMRecoveryViaCacheRelease covers scenario 3: once the device is full
// of cached-but-unsplit free blocks, a request that doesn't fit must release
// cached segments back to the driver rather than surface OOM immediately.
func TestOOMRecoveryViaCacheRelease(t *testing.T) {
	a, _ := newTestAllocator(t, 10<<20)
	stream := device.NewStream(0)

	b, err := a.Malloc(8<<20, stream)
	require.NoError(t, err)
	require.NoError(t, a.Free(b))

	big, err := a.Malloc(9<<20, stream)
	require.NoError(t, err)
	require.NotNil(t, big)
	require.NoError(t, a.Free(big))

	stats := a.Stats()
	require.GreaterOrEqual(t, stats.NumAllocRetries, int64(1))
}

// TestOOMSurfacesStructuredError covers spec.md §4.C.1 step 6: once every
// reclaim strategy is exhausted, Malloc must return an *OutOfMemoryError
// with the diagnostic fields populated, not a bare driver error.
func TestOOMSurfacesStructuredError(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<20)
	stream := device.NewStream(0)

	_, err := a.Malloc(8<<20, stream)
	require.Error(t, err)

	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	require.Equal(t, uint64(1<<20), oom.DeviceTotal)

	stats := a.Stats()
	require.Equal(t, int64(1), stats.NumOOMs)
}

// TestGarbageCollectionTrigger covers scenario 4: with a memory fraction and
// GC threshold configured, an allocation that would otherwise need a fresh
// segment must first reclaim idle, unsplit large-pool segments back to the
// driver. Adapted from the literal 60x1 MiB scenario to this pool's actual
// 1 MiB small/large cutoff: the "idle" blocks here are large-pool sized so
// they land in the population garbageCollectLocked actually scans.
func TestGarbageCollectionTrigger(t *testing.T) {
	cfg := Config{GarbageCollectionThreshold: 0.5}
	drv := device.NewSimDriver()
	const totalMem = 256 << 20
	drv.SetDeviceMemory(0, totalMem)
	a := New(drv, 0, cfg)

	// Blocks that stay active, pushing allocated bytes above the
	// fraction-cap threshold computed below.
	keepStream := device.NewStream(0)
	const keepSize = 30 << 20
	var keepers []*Block
	for i := 0; i < 3; i++ {
		b, err := a.Malloc(keepSize, keepStream)
		require.NoError(t, err)
		keepers = append(keepers, b)
	}

	// Idle large-pool segments: each is allocated then immediately freed on
	// its own stream, so every one collapses into a single whole,
	// unsplit free block once its sole active block is released.
	const idleSize = 2 << 20
	const idleCount = 5
	for i := 0; i < idleCount; i++ {
		s := device.NewStream(0)
		b, err := a.Malloc(idleSize, s)
		require.NoError(t, err)
		require.NoError(t, a.Free(b))
	}
	require.Len(t, a.large.unsplitBlocks(), idleCount,
		"every idle segment must have merged back into one whole free block")

	require.NoError(t, a.SetMemoryFraction(0.5))
	cap := uint64(0.5 * float64(totalMem))
	threshold := uint64(float64(cap) * cfg.GarbageCollectionThreshold)
	require.Greater(t, a.currentAllocatedBytes(), threshold,
		"active bytes must exceed the GC threshold before the triggering malloc")

	beforeReserved := a.Stats().Aggregate.ReservedBytes.Current

	triggerStream := device.NewStream(0)
	more, err := a.Malloc(idleSize, triggerStream)
	require.NoError(t, err)

	afterReserved := a.Stats().Aggregate.ReservedBytes.Current
	newSegmentSize := int64(segmentSize(roundSize(idleSize)))
	require.Less(t, afterReserved, beforeReserved+newSegmentSize,
		"garbage collection must have reclaimed cached large-pool segments back to the driver")
	require.Less(t, len(a.large.unsplitBlocks()), idleCount,
		"at least one idle large-pool segment must have been released by garbage collection")

	for _, b := range keepers {
		require.NoError(t, a.Free(b))
	}
	require.NoError(t, a.Free(more))
}

// TestStatCoherence covers P5: Allocated - Freed == Current at every step.
func TestStatCoherence(t *testing.T) {
	a, _ := newTestAllocator(t, 64<<20)
	stream := device.NewStream(0)

	var blocks []*Block
	for i := 0; i < 5; i++ {
		b, err := a.Malloc(uint64(1<<20*(i+1)), stream)
		require.NoError(t, err)
		blocks = append(blocks, b)

		s := a.Stats().Aggregate.AllocatedBytes
		require.Equal(t, s.Current, s.Allocated-s.Freed)
	}
	for _, b := range blocks {
		require.NoError(t, a.Free(b))
		s := a.Stats().Aggregate.AllocatedBytes
		require.Equal(t, s.Current, s.Allocated-s.Freed)
	}
	require.Zero(t, a.Stats().Aggregate.AllocatedBytes.Current)
}

// TestFreeUnknownPointerFails covers spec.md §7 category 2: freeing a
// pointer the allocator never issued must fail loudly, not silently no-op.
func TestFreeUnknownPointerFails(t *testing.T) {
	a, _ := newTestAllocator(t, 16<<20)
	stray := &Block{Ptr: 0xdeadbeef}

	err := a.Free(stray)
	require.Error(t, err)

	var invalid *InvalidDevicePointerError
	require.ErrorAs(t, err, &invalid)
}

// TestGetBaseAllocationWalksSegment covers the base-allocation walk: a
// pointer into a split-off tail must resolve back to the segment's base.
func TestGetBaseAllocationWalksSegment(t *testing.T) {
	a, _ := newTestAllocator(t, 64<<20)
	stream := device.NewStream(0)

	head, err := a.Malloc(1<<20, stream)
	require.NoError(t, err)

	segs := a.Snapshot()
	require.Len(t, segs, 1)
	base := segs[0].BasePtr
	total := segs[0].TotalSize

	gotBase, gotSize, err := a.GetBaseAllocation(head.Ptr)
	require.NoError(t, err)
	require.Equal(t, base, gotBase)
	require.Equal(t, total, gotSize)

	// A second block carved from head's free tail sits later in the chain.
	tail, err := a.Malloc(2<<20, stream)
	require.NoError(t, err)
	require.Equal(t, head.Ptr+uintptr(head.Size), tail.Ptr)

	gotBase, gotSize, err = a.GetBaseAllocation(tail.Ptr)
	require.NoError(t, err)
	require.Equal(t, base, gotBase)
	require.Equal(t, total, gotSize)

	require.NoError(t, a.Free(tail))
	require.NoError(t, a.Free(head))
}

// TestEmptyCacheReturnsAllMemory covers empty_cache: after freeing every
// live block, EmptyCache must bring reserved bytes back to zero.
func TestEmptyCacheReturnsAllMemory(t *testing.T) {
	a, _ := newTestAllocator(t, 64<<20)
	stream := device.NewStream(0)

	b, err := a.Malloc(4<<20, stream)
	require.NoError(t, err)
	require.NoError(t, a.Free(b))

	require.NoError(t, a.EmptyCache(true))
	require.Zero(t, a.Stats().Aggregate.ReservedBytes.Current)
	require.Empty(t, a.Snapshot())
}
