package alloc

import (
	"sort"

	"github.com/born-ml/born-npu/internal/npu/device"
)

// blockKey is the (stream, size, ptr) ordering tuple blocks are compared by
// within a BlockPool (spec.md §4.A).
type blockKey struct {
	stream device.Stream
	size   uint64
	ptr    uintptr
}

func keyLess(a, b blockKey) bool {
	if a.stream != b.stream {
		return a.stream.Less(b.stream)
	}
	if a.size != b.size {
		return a.size < b.size
	}
	return a.ptr < b.ptr
}

// BlockPool is an ordered set of free blocks, kept sorted ascending by
// (stream, size, ptr). Lookups use a lower-bound binary search the way a
// C++ std::set::lower_bound would, which is exactly the query shape
// get_free_block needs and nothing more; the pack's general-purpose
// suballocator trees (vkngwrapper-arsenal's TLSF, bnclabs-gostore's LLRB)
// solve a materially different problem — random-access placement within a
// single block — at a scale this flat whole-block free-list never reaches.
type BlockPool struct {
	Kind   PoolKind
	blocks []*Block
}

// NewBlockPool returns an empty pool of the given kind.
func NewBlockPool(kind PoolKind) *BlockPool {
	return &BlockPool{Kind: kind}
}

// Len reports the number of free blocks currently in the pool.
func (p *BlockPool) Len() int { return len(p.blocks) }

// lowerBound returns the index of the first block whose key is >= key.
func (p *BlockPool) lowerBound(key blockKey) int {
	return sort.Search(len(p.blocks), func(i int) bool {
		return !keyLess(p.blocks[i].key(), key)
	})
}

// Insert adds a free block to the pool, maintaining sort order. b must not
// already be present in any pool.
func (p *BlockPool) Insert(b *Block) {
	idx := p.lowerBound(b.key())
	p.blocks = append(p.blocks, nil)
	copy(p.blocks[idx+1:], p.blocks[idx:])
	p.blocks[idx] = b
	b.Pool = p
}

// Remove deletes b from the pool. It panics if b is not present, which would
// indicate an internal consistency bug (spec.md §3 P1).
func (p *BlockPool) Remove(b *Block) {
	idx := p.lowerBound(b.key())
	for idx < len(p.blocks) && p.blocks[idx] != b {
		idx++
	}
	if idx == len(p.blocks) {
		panic("alloc: block not present in pool")
	}
	p.blocks = append(p.blocks[:idx], p.blocks[idx+1:]...)
}

// Find performs the lower-bound search described in spec.md §4.A: locate the
// smallest free block of at least size bytes allocated on stream. maxSplit
// is the configured max_split_size (0 means unbounded / "infinite", per
// spec.md §6). wasteLimit bounds how much larger than size an oversize
// candidate may be when the request itself is oversize (spec.md §4.C.1.a:
// "not more than size + 20 MiB larger").
func (p *BlockPool) Find(stream device.Stream, size uint64, maxSplit uint64, wasteLimit uint64) (*Block, bool) {
	idx := p.lowerBound(blockKey{stream: stream, size: size, ptr: 0})
	if idx >= len(p.blocks) {
		return nil, false
	}
	cand := p.blocks[idx]
	if cand.Stream != stream {
		return nil, false
	}

	requestIsOversize := maxSplit != 0 && size >= maxSplit
	candIsOversize := cand.isOversize(maxSplit)

	if candIsOversize && !requestIsOversize {
		return nil, false
	}
	if requestIsOversize && candIsOversize && cand.Size > size+wasteLimit {
		return nil, false
	}
	return cand, true
}

// LowerBoundOnStream returns the smallest free block on stream with size >=
// size, ignoring the oversize rules Find applies — used by
// release_available_cached_blocks (spec.md §4.C.6), which searches for a
// single block to release rather than one to hand out.
func (p *BlockPool) LowerBoundOnStream(stream device.Stream, size uint64) (*Block, bool) {
	idx := p.lowerBound(blockKey{stream: stream, size: size, ptr: 0})
	if idx >= len(p.blocks) || p.blocks[idx].Stream != stream {
		return nil, false
	}
	return p.blocks[idx], true
}

// bumpGCCounts increments GCCount on every free block in the pool, split or
// not. The allocator calls it once before each Find, hit or miss, and resets
// the count of the block Find hands out, giving the fragmentation GC (spec.md
// §4.C.3) an LRU-like age signal. Only meaningful when fraction-based GC is
// active; callers gate this behind that check.
func (p *BlockPool) bumpGCCounts() {
	for _, b := range p.blocks {
		b.GCCount++
	}
}

// unsplitBlocks returns every free block in the pool with no physical
// sibling, the population the fragmentation GC operates over.
func (p *BlockPool) unsplitBlocks() []*Block {
	out := make([]*Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		if !b.isSplit() {
			out = append(out, b)
		}
	}
	return out
}
