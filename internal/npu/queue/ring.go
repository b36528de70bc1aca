package queue

import "sync/atomic"

// recordRing is a fixed-capacity array of equal-size byte records, indexed
// by monotonically increasing write/read counters masked to a power-of-two
// capacity. This is the grpc-go-shmem ShmRing's widx/ridx-over-a-byte-stream
// pattern adapted to discrete fixed-size slots: spec.md §9 requires the
// bit-mask form `(i+1) & (N-1)` for both rings in this package, not `% N`.
type recordRing struct {
	mask       uint64
	recordSize int
	storage    []byte

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
}

func newRecordRing(capacity, recordSize int) *recordRing {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("queue: ring capacity must be a power of two")
	}
	return &recordRing{
		mask:       uint64(capacity - 1),
		recordSize: recordSize,
		storage:    make([]byte, capacity*recordSize),
	}
}

func (r *recordRing) capacity() uint64 { return r.mask + 1 }
func (r *recordRing) used() uint64     { return r.writeIdx.Load() - r.readIdx.Load() }
func (r *recordRing) full() bool       { return r.used() == r.capacity() }
func (r *recordRing) empty() bool      { return r.used() == 0 }

func (r *recordRing) slot(idx uint64) []byte {
	pos := (idx & r.mask) * uint64(r.recordSize)
	return r.storage[pos : pos+uint64(r.recordSize)]
}

// reserveWrite returns the next slot to fill if the ring has room. The
// caller must fill it (e.g. via the copy-in callback) and then call
// advanceWrite to publish it.
func (r *recordRing) reserveWrite() ([]byte, bool) {
	if r.full() {
		return nil, false
	}
	return r.slot(r.writeIdx.Load()), true
}

func (r *recordRing) advanceWrite() {
	r.writeIdx.Store(r.writeIdx.Load() + 1)
}

// peek returns the oldest unread slot without consuming it, so the consumer
// can invoke the execute callback in place before committing to advance.
func (r *recordRing) peek() ([]byte, bool) {
	if r.empty() {
		return nil, false
	}
	return r.slot(r.readIdx.Load()), true
}

func (r *recordRing) advanceRead() {
	r.readIdx.Store(r.readIdx.Load() + 1)
}
