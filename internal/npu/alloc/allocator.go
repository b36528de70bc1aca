package alloc

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/born-ml/born-npu/internal/npu/device"
)

// oversizeWasteLimit bounds how much larger than the request an oversize
// candidate may be before get_free_block rejects it (spec.md §4.C.1.a).
const oversizeWasteLimit = 20 << 20

// Logger receives diagnostic messages the allocator itself never escalates
// to an error (spec.md §7 category 5, ShutdownViolations: "logged and
// ignored"). New installs a no-op Logger and SetLogger(nil) restores it,
// matching the teacher framework's habit of not importing a logging library
// for its own sake.
type Logger func(format string, args ...any)

// locked is a zero-size witness proving the caller holds the allocator's
// mutex. Internal helpers that assume the lock is held accept it as their
// first argument, so the compiler - not a convention comment - enforces
// that they're only reachable through lock(). This replaces the recursive
// mutex the original implementation relies on (spec.md §9's suggested
// alternative: "split the public and internal APIs, with the internals
// taking a 'lock held' witness").
type locked struct{}

// pendingEvent pairs a completion event with the block it guards, stored in
// a per-stream FIFO deque (spec.md §4.C.4).
type pendingEvent struct {
	ev    device.Event
	block *Block
}

// DeviceCachingAllocator is the per-device caching allocator (spec.md §4.C).
// All public operations serialize on a single mutex.
type DeviceCachingAllocator struct {
	deviceID int
	driver   device.Driver

	mu       sync.Mutex
	cfg      Config
	fraction float64 // 0 means unset

	small *BlockPool
	large *BlockPool

	active   map[uintptr]*Block
	segments map[uuid.UUID]*segment

	events  *EventPool
	pending map[device.Stream][]*pendingEvent

	stats DeviceStats

	shutdown      bool
	freeCallbacks []func() bool

	logger Logger
}

// New returns a caching allocator for deviceID, issuing driver calls through
// drv and configured by cfg (see LoadConfigFromEnv).
func New(drv device.Driver, deviceID int, cfg Config) *DeviceCachingAllocator {
	return &DeviceCachingAllocator{
		deviceID: deviceID,
		driver:   drv,
		cfg:      cfg,
		small:    NewBlockPool(Small),
		large:    NewBlockPool(Large),
		active:   make(map[uintptr]*Block),
		segments: make(map[uuid.UUID]*segment),
		events:   NewEventPool(drv, deviceID),
		pending:  make(map[device.Stream][]*pendingEvent),
		logger:   func(string, ...any) {},
	}
}

// SetLogger installs the sink for non-fatal diagnostics (spec.md §7
// category 5). Passing nil restores the no-op default.
func (a *DeviceCachingAllocator) SetLogger(l Logger) {
	if l == nil {
		l = func(string, ...any) {}
	}
	a.mu.Lock()
	a.logger = l
	a.mu.Unlock()
}

func (a *DeviceCachingAllocator) lock() locked {
	a.mu.Lock()
	return locked{}
}

func (a *DeviceCachingAllocator) unlock() {
	a.mu.Unlock()
}

func (a *DeviceCachingAllocator) poolFor(kind PoolKind) *BlockPool {
	if kind == Small {
		return a.small
	}
	return a.large
}

// poolInsert returns a free block to its owning pool and maintains the
// inactive-split byte counters (spec.md §4.C.7).
func (a *DeviceCachingAllocator) poolInsert(b *Block) {
	b.Pool.Insert(b)
	if b.isSplit() {
		a.stats.recordInactiveSplit(b.Pool.Kind, int64(b.Size))
	}
}

// poolRemove takes a free block out of its owning pool, whether because it
// is being handed out or merged away.
func (a *DeviceCachingAllocator) poolRemove(b *Block) {
	if b.isSplit() {
		a.stats.recordInactiveSplit(b.Pool.Kind, -int64(b.Size))
	}
	b.Pool.Remove(b)
}

// Malloc implements spec.md §4.C.1.
func (a *DeviceCachingAllocator) Malloc(size uint64, stream device.Stream) (*Block, error) {
	tok := a.lock()
	defer a.unlock()
	return a.mallocLocked(tok, size, stream)
}

func (a *DeviceCachingAllocator) mallocLocked(tok locked, size uint64, stream device.Stream) (*Block, error) {
	if size == 0 {
		return nil, nil
	}
	if err := a.processEventsLocked(tok); err != nil {
		return nil, err
	}

	rounded := roundSize(size)
	kind := poolKindFor(rounded)
	pool := a.poolFor(kind)
	allocSize := segmentSize(rounded)
	gcActive := a.fraction > 0 && a.cfg.GarbageCollectionThreshold > 0

	find := func() (*Block, bool) {
		if gcActive {
			pool.bumpGCCounts()
		}
		b, ok := pool.Find(stream, rounded, a.cfg.MaxSplitSizeBytes, oversizeWasteLimit)
		if ok {
			b.GCCount = 0
			a.poolRemove(b)
		}
		return b, ok
	}

	block, ok := find()

	if !ok {
		for _, cb := range a.freeCallbacks {
			if cb == nil {
				continue
			}
			if cb() {
				if block, ok = find(); ok {
					break
				}
			}
		}
	}

	if !ok {
		if gcActive {
			cap := a.fractionCapBytes()
			threshold := uint64(float64(cap) * a.cfg.GarbageCollectionThreshold)
			if a.currentAllocatedBytes() > threshold {
				a.garbageCollectLocked(tok, a.currentAllocatedBytes()-threshold)
			}
		}

		var err error
		block, err = a.acquireSegmentLocked(tok, stream, kind, pool, allocSize)
		if err != nil {
			return nil, err
		}
	}

	if a.shouldSplit(block, rounded, kind) {
		tail := a.splitBlockLocked(tok, block, rounded)
		a.poolInsert(tail)
	}

	block.Allocated = true
	block.StreamUses = nil
	a.active[block.Ptr] = block
	oversize := block.isOversize(a.cfg.MaxSplitSizeBytes)
	a.stats.recordAllocation(kind, block.Size, oversize, a.cfg.MaxSplitSizeBytes)

	return block, nil
}

// BlockAt returns the live block backing ptr, for callers that only carry a
// raw pointer (spec.md §6's raw_delete/record_stream/erase_stream surface).
func (a *DeviceCachingAllocator) BlockAt(ptr uintptr) (*Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.active[ptr]
	if !ok {
		return nil, &InvalidDevicePointerError{Op: "block_at", Ptr: ptr}
	}
	return b, nil
}

// acquireSegmentLocked implements spec.md §4.C.1 steps (d)-(f): call the
// driver, and on OOM retry after progressively more aggressive reclaim. Step
// (c), the fragmentation GC, runs in mallocLocked before this is called.
func (a *DeviceCachingAllocator) acquireSegmentLocked(tok locked, stream device.Stream, kind PoolKind, pool *BlockPool, allocSize uint64) (*Block, error) {
	ptr, err := a.driver.DeviceAlloc(a.deviceID, allocSize)
	if err == nil {
		return a.newSegmentBlockLocked(stream, kind, pool, ptr, allocSize), nil
	}
	if !errors.Is(err, device.ErrOutOfMemory) {
		return nil, wrapDriverError("device_alloc", err)
	}

	a.stats.NumAllocRetries++
	if a.releaseAvailableCachedBlocksLocked(tok, stream, allocSize) {
		ptr, err = a.driver.DeviceAlloc(a.deviceID, allocSize)
		if err == nil {
			return a.newSegmentBlockLocked(stream, kind, pool, ptr, allocSize), nil
		}
		if !errors.Is(err, device.ErrOutOfMemory) {
			return nil, wrapDriverError("device_alloc", err)
		}
	}

	a.stats.NumAllocRetries++
	if rerr := a.releaseCachedBlocksLocked(tok); rerr == nil {
		ptr, err = a.driver.DeviceAlloc(a.deviceID, allocSize)
		if err == nil {
			return a.newSegmentBlockLocked(stream, kind, pool, ptr, allocSize), nil
		}
		if !errors.Is(err, device.ErrOutOfMemory) {
			return nil, wrapDriverError("device_alloc", err)
		}
	}

	a.stats.NumOOMs++
	return nil, a.oomError(allocSize)
}

func (a *DeviceCachingAllocator) newSegmentBlockLocked(stream device.Stream, kind PoolKind, pool *BlockPool, ptr uintptr, size uint64) *Block {
	id := uuid.New()
	b := newBlock(a.deviceID, stream, ptr, size, pool, id)
	a.segments[id] = &segment{
		id:        id,
		device:    a.deviceID,
		stream:    stream,
		basePtr:   ptr,
		totalSize: size,
		pool:      kind,
		head:      b,
	}
	a.stats.recordReserve(kind, size)
	if b.isOversize(a.cfg.MaxSplitSizeBytes) {
		a.stats.OversizeSegments.increase(1)
	}
	return b
}

func (a *DeviceCachingAllocator) shouldSplit(block *Block, size uint64, kind PoolKind) bool {
	remaining := block.Size - size
	if kind == Small {
		return remaining >= minBlockSize
	}
	if a.cfg.MaxSplitSizeBytes != 0 && size >= a.cfg.MaxSplitSizeBytes {
		return false
	}
	return remaining > smallLargeThreshold
}

func (a *DeviceCachingAllocator) splitBlockLocked(_ locked, block *Block, size uint64) *Block {
	tailPtr := block.Ptr + uintptr(size)
	tailSize := block.Size - size

	tail := newBlock(block.Device, block.Stream, tailPtr, tailSize, block.Pool, block.SegmentID)
	tail.Prev = block
	tail.Next = block.Next
	if block.Next != nil {
		block.Next.Prev = tail
	}
	block.Next = tail
	block.Size = size
	return tail
}

// Free implements spec.md §4.C.2.
func (a *DeviceCachingAllocator) Free(b *Block) error {
	tok := a.lock()
	defer a.unlock()
	return a.freeLocked(tok, b)
}

func (a *DeviceCachingAllocator) freeLocked(tok locked, b *Block) error {
	if _, ok := a.active[b.Ptr]; !ok {
		return &InvalidDevicePointerError{Op: "free", Ptr: b.Ptr}
	}
	delete(a.active, b.Ptr)
	b.Allocated = false

	oversize := b.isOversize(a.cfg.MaxSplitSizeBytes)
	a.stats.recordFree(b.Pool.Kind, b.Size, oversize)

	if len(b.StreamUses) > 0 && !a.shutdown {
		uses := b.StreamUses
		b.StreamUses = nil
		for s := range uses {
			ev, err := a.events.Get()
			if err != nil {
				return wrapDriverError("event pool get", err)
			}
			if err := a.driver.EventRecord(ev, s); err != nil {
				return wrapDriverError("event record", err)
			}
			b.EventCount++
			a.pending[s] = append(a.pending[s], &pendingEvent{ev: ev, block: b})
		}
		return nil
	}

	a.freeBlockLocked(tok, b)
	return nil
}

// freeBlockLocked merges b with free, event-free siblings and reinserts the
// survivor into its pool (spec.md §4.C.2 free_block).
func (a *DeviceCachingAllocator) freeBlockLocked(tok locked, b *Block) {
	if b.Prev != nil && !b.Prev.Allocated && b.Prev.EventCount == 0 {
		prev := b.Prev
		a.poolRemove(prev)
		prev.Size += b.Size
		prev.Next = b.Next
		if b.Next != nil {
			b.Next.Prev = prev
		}
		b = prev
	}
	if b.Next != nil && !b.Next.Allocated && b.Next.EventCount == 0 {
		next := b.Next
		a.poolRemove(next)
		b.Size += next.Size
		b.Next = next.Next
		if next.Next != nil {
			next.Next.Prev = b
		}
	}
	a.poolInsert(b)
}

// processEventsLocked implements spec.md §4.C.4.
func (a *DeviceCachingAllocator) processEventsLocked(tok locked) error {
	for s, deque := range a.pending {
		i := 0
		for i < len(deque) {
			pe := deque[i]
			complete, err := a.driver.EventQuery(pe.ev)
			if err != nil {
				return wrapDriverError("event_query", err)
			}
			if !complete {
				break
			}
			pe.block.EventCount--
			if pe.block.EventCount == 0 {
				a.freeBlockLocked(tok, pe.block)
			}
			a.events.Put(pe.ev)
			i++
		}
		if i == len(deque) {
			delete(a.pending, s)
		} else if i > 0 {
			a.pending[s] = deque[i:]
		}
	}
	return nil
}

// RecordStream implements spec.md §4.C.5.
func (a *DeviceCachingAllocator) RecordStream(b *Block, s device.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == b.Stream {
		return
	}
	if b.StreamUses == nil {
		b.StreamUses = make(map[device.Stream]struct{})
	}
	b.StreamUses[s] = struct{}{}
}

// EraseStream implements spec.md §4.C.5.
func (a *DeviceCachingAllocator) EraseStream(b *Block, s device.Stream) {
	tok := a.lock()
	defer a.unlock()

	if b.StreamUses != nil {
		delete(b.StreamUses, s)
	}

	deque := a.pending[s]
	for i, pe := range deque {
		if pe.block != b {
			continue
		}
		a.pending[s] = append(deque[:i], deque[i+1:]...)
		if len(a.pending[s]) == 0 {
			delete(a.pending, s)
		}
		b.EventCount--
		a.events.Put(pe.ev)
		if b.EventCount == 0 && !b.Allocated {
			a.freeBlockLocked(tok, b)
		}
		break
	}
}

// RegisterFreeMemoryCallback adds an external collaborator's free-memory
// hook to the chain invoked during malloc's reclaim ladder (spec.md
// §4.C.1.b, expanded by SPEC_FULL.md's free-memory callback registry).
func (a *DeviceCachingAllocator) RegisterFreeMemoryCallback(cb func() bool) (unregister func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := len(a.freeCallbacks)
	a.freeCallbacks = append(a.freeCallbacks, cb)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.freeCallbacks) {
			a.freeCallbacks[idx] = nil
		}
	}
}

// garbageCollectLocked implements spec.md §4.C.3.
func (a *DeviceCachingAllocator) garbageCollectLocked(tok locked, target uint64) {
	var reclaimed uint64
	for reclaimed < target {
		blocks := a.large.unsplitBlocks()
		if len(blocks) == 0 {
			return
		}
		var sum uint64
		for _, b := range blocks {
			sum += b.GCCount
		}
		avg := sum / uint64(len(blocks))

		freedThisPass := false
		for _, b := range blocks {
			if reclaimed >= target {
				break
			}
			if b.GCCount < avg {
				continue
			}
			a.poolRemove(b)
			if err := a.releaseBlockLocked(tok, b); err != nil {
				continue
			}
			reclaimed += b.Size
			freedThisPass = true
		}
		if !freedThisPass {
			return
		}
	}
}

// releaseAvailableCachedBlocksLocked implements spec.md §4.C.6.
func (a *DeviceCachingAllocator) releaseAvailableCachedBlocksLocked(tok locked, stream device.Stream, target uint64) bool {
	if a.cfg.MaxSplitSizeBytes == 0 {
		return false
	}
	key := target
	if a.cfg.MaxSplitSizeBytes > key {
		key = a.cfg.MaxSplitSizeBytes
	}

	if cand, ok := a.large.LowerBoundOnStream(stream, key); ok && !cand.isSplit() {
		a.poolRemove(cand)
		return a.releaseBlockLocked(tok, cand) == nil
	}

	var freed uint64
	released := false
	for freed < target {
		var victim *Block
		for i := len(a.large.blocks) - 1; i >= 0; i-- {
			b := a.large.blocks[i]
			if b.Stream == stream && !b.isSplit() {
				victim = b
				break
			}
		}
		if victim == nil {
			break
		}
		a.poolRemove(victim)
		if err := a.releaseBlockLocked(tok, victim); err != nil {
			break
		}
		freed += victim.Size
		released = true
	}
	return released
}

// releaseCachedBlocksLocked implements spec.md §4.C.1.f: drain all stream
// events, synchronize, and return every non-split block to the driver.
func (a *DeviceCachingAllocator) releaseCachedBlocksLocked(tok locked) error {
	for s, deque := range a.pending {
		if err := a.driver.StreamSynchronize(s); err != nil {
			return wrapDriverError("stream_synchronize", err)
		}
		for _, pe := range deque {
			pe.block.EventCount--
			if pe.block.EventCount == 0 {
				a.freeBlockLocked(tok, pe.block)
			}
			a.events.Put(pe.ev)
		}
		delete(a.pending, s)
	}

	for _, pool := range [2]*BlockPool{a.small, a.large} {
		for i := len(pool.blocks) - 1; i >= 0; i-- {
			b := pool.blocks[i]
			if b.isSplit() {
				continue
			}
			a.poolRemove(b)
			if err := a.releaseBlockLocked(tok, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// releaseBlockLocked returns a whole, unsplit block's memory to the driver
// and retires its segment.
func (a *DeviceCachingAllocator) releaseBlockLocked(_ locked, b *Block) error {
	if err := a.driver.DeviceFree(a.deviceID, b.Ptr); err != nil {
		return wrapDriverError("device_free", err)
	}
	a.stats.recordUnreserve(b.Pool.Kind, b.Size)
	if b.isOversize(a.cfg.MaxSplitSizeBytes) {
		a.stats.OversizeSegments.decrease(1)
	}
	delete(a.segments, b.SegmentID)
	return nil
}

// EmptyCache implements spec.md §6 empty_cache. When checkError is false,
// driver errors are swallowed through the logger rather than returned
// (SPEC_FULL.md's supplemental emptyCache behavior, resolving an Open
// Question spec.md leaves implicit).
func (a *DeviceCachingAllocator) EmptyCache(checkError bool) error {
	tok := a.lock()
	defer a.unlock()

	if err := a.releaseCachedBlocksLocked(tok); err != nil {
		if checkError {
			return err
		}
		a.logger("npu: empty_cache: %v", err)
	}
	if err := a.events.EmptyCache(); err != nil {
		if checkError {
			return err
		}
		a.logger("npu: empty_cache: event pool: %v", err)
	}
	return nil
}

// SetMemoryFraction implements spec.md §6.
func (a *DeviceCachingAllocator) SetMemoryFraction(fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return errors.Newf("npu: memory fraction must be in (0, 1], got %v", fraction)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fraction = fraction
	return nil
}

// GetBaseAllocation implements spec.md §6: walk the segment chain to find
// the original allocation base and total size.
func (a *DeviceCachingAllocator) GetBaseAllocation(ptr uintptr) (base uintptr, size uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.active[ptr]
	if !ok {
		return 0, 0, &InvalidDevicePointerError{Op: "get_base_allocation", Ptr: ptr}
	}

	head := b
	for head.Prev != nil {
		head = head.Prev
	}
	var total uint64
	for cur := head; cur != nil; cur = cur.Next {
		total += cur.Size
	}
	return head.Ptr, total, nil
}

// Snapshot implements spec.md §6: a full read-only dump sorted by address.
func (a *DeviceCachingAllocator) Snapshot() []SegmentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]SegmentInfo, 0, len(a.segments))
	for _, seg := range a.segments {
		out = append(out, seg.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BasePtr < out[j].BasePtr })
	return out
}

// Stats implements spec.md §6 get_device_stats.
func (a *DeviceCachingAllocator) Stats() DeviceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ResetAccumulatedStats implements spec.md §6.
func (a *DeviceCachingAllocator) ResetAccumulatedStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.ResetAccumulatedStats()
}

// ResetPeakStats implements spec.md §6.
func (a *DeviceCachingAllocator) ResetPeakStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.ResetPeakStats()
}

// Shutdown marks the allocator as shutting down: subsequent frees of blocks
// with outstanding stream uses skip the deferred-event path and return
// immediately (spec.md §4.C.2 step 2), since no further device work will
// observe them.
func (a *DeviceCachingAllocator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
}

func (a *DeviceCachingAllocator) currentAllocatedBytes() uint64 {
	if a.stats.Aggregate.AllocatedBytes.Current < 0 {
		return 0
	}
	return uint64(a.stats.Aggregate.AllocatedBytes.Current)
}

func (a *DeviceCachingAllocator) fractionCapBytes() uint64 {
	_, total, err := a.driver.MemInfo(a.deviceID)
	if err != nil {
		return 0
	}
	return uint64(a.fraction * float64(total))
}

func (a *DeviceCachingAllocator) oomError(requested uint64) error {
	free, total, _ := a.driver.MemInfo(a.deviceID)
	return &OutOfMemoryError{
		Device:      a.deviceID,
		Requested:   requested,
		DeviceFree:  free,
		DeviceTotal: total,
		Allocated:   a.currentAllocatedBytes(),
		Active:      uint64(max64(a.stats.Aggregate.ActiveBytes.Current, 0)),
		Reserved:    uint64(max64(a.stats.Aggregate.ReservedBytes.Current, 0)),
		FractionCap: a.fraction,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
