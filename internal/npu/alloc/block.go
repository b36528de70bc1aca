// Package alloc implements the device memory caching allocator: the block
// and block-pool representation (spec.md §4.A), the per-device event pool
// (§4.B), and the DeviceCachingAllocator itself (§4.C).
package alloc

import (
	"github.com/google/uuid"

	"github.com/born-ml/born-npu/internal/npu/device"
)

const (
	minBlockSize = 512
	headerBudget = 32

	smallLargeThreshold = 1 << 20 // 1 MiB

	segmentSmall      = 2 << 20  // 2 MiB
	segmentMediumCap  = 10 << 20 // boundary below which the 20 MiB segment applies
	segmentMedium     = 20 << 20
	segmentRoundingTo = 2 << 20
)

// roundSize rounds a requested allocation size up to the nearest multiple of
// minBlockSize after reserving headerBudget bytes for the block's internal
// bookkeeping, per spec.md §4.A. A zero request stays zero (spec.md §8 B1).
func roundSize(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	size += headerBudget
	if size < minBlockSize {
		return minBlockSize
	}
	rem := size % minBlockSize
	if rem == 0 {
		return size
	}
	return size + (minBlockSize - rem)
}

// segmentSize computes the size of the driver-level allocation ("segment")
// to request when no cached block can satisfy size, per spec.md §4.C.1 step 4.
func segmentSize(size uint64) uint64 {
	switch {
	case size <= smallLargeThreshold:
		return segmentSmall
	case size < segmentMediumCap:
		return segmentMedium
	default:
		rem := size % segmentRoundingTo
		if rem == 0 {
			return size
		}
		return size + (segmentRoundingTo - rem)
	}
}

// PoolKind distinguishes the small and large free-lists (spec.md §4.A).
type PoolKind int

const (
	Small PoolKind = iota
	Large
)

func (k PoolKind) String() string {
	if k == Small {
		return "small"
	}
	return "large"
}

func poolKindFor(size uint64) PoolKind {
	if size <= smallLargeThreshold {
		return Small
	}
	return Large
}

// Block represents one contiguous region of device memory, either free in a
// BlockPool, active in the allocator's live set, or awaiting a deferred free
// behind one or more completion events. Invariants are documented in
// spec.md §3.
type Block struct {
	Device int
	Stream device.Stream
	Size   uint64
	Ptr    uintptr
	Pool   *BlockPool

	Allocated bool

	Prev, Next *Block // intrusive siblings within a segment; nil at a boundary

	StreamUses map[device.Stream]struct{}
	EventCount int

	GCCount uint64

	SegmentID uuid.UUID
}

func newBlock(dev int, stream device.Stream, ptr uintptr, size uint64, pool *BlockPool, segment uuid.UUID) *Block {
	return &Block{
		Device:    dev,
		Stream:    stream,
		Size:      size,
		Ptr:       ptr,
		Pool:      pool,
		SegmentID: segment,
	}
}

// key returns the (stream, size, ptr) ordering tuple used by BlockPool.
func (b *Block) key() blockKey {
	return blockKey{stream: b.Stream, size: b.Size, ptr: b.Ptr}
}

// isSplit reports whether b was produced by splitting a larger block, i.e.
// it has a physical sibling on at least one side within the same segment.
func (b *Block) isSplit() bool {
	return b.Prev != nil || b.Next != nil
}

func (b *Block) isOversize(maxSplitSize uint64) bool {
	return maxSplitSize != 0 && b.Size >= maxSplitSize
}
