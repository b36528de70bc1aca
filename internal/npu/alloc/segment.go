package alloc

import (
	"github.com/google/uuid"

	"github.com/born-ml/born-npu/internal/npu/device"
)

// segment tracks one driver-level allocation, possibly split into multiple
// blocks chained via Block.Prev/Next (spec.md §3 Segment). The allocator
// owns this bookkeeping purely for Snapshot (GetBaseAllocation walks the
// block chain directly); it is not itself a unit of reuse (blocks are).
type segment struct {
	id        uuid.UUID
	device    int
	stream    device.Stream
	basePtr   uintptr
	totalSize uint64
	pool      PoolKind
	head      *Block
}

// BlockInfo is the read-only per-block view returned in a snapshot.
type BlockInfo struct {
	Ptr       uintptr
	Size      uint64
	Allocated bool
	GCCount   uint64
}

// SegmentInfo is a full read-only dump of one segment for diagnostics
// (spec.md §6 snapshot), tagged with the segment's UUID so repeated
// snapshots can be correlated even as the segment's blocks split and merge.
type SegmentInfo struct {
	ID        uuid.UUID
	Device    int
	Stream    device.Stream
	BasePtr   uintptr
	TotalSize uint64
	Pool      PoolKind
	Blocks    []BlockInfo
}

func (s *segment) snapshot() SegmentInfo {
	info := SegmentInfo{
		ID:        s.id,
		Device:    s.device,
		Stream:    s.stream,
		BasePtr:   s.basePtr,
		TotalSize: s.totalSize,
		Pool:      s.pool,
	}
	for b := s.head; b != nil; b = b.Next {
		info.Blocks = append(info.Blocks, BlockInfo{
			Ptr:       b.Ptr,
			Size:      b.Size,
			Allocated: b.Allocated,
			GCCount:   b.GCCount,
		})
	}
	return info
}
