package alloc

import (
	"sync"

	"github.com/born-ml/born-npu/internal/npu/device"
)

// EventPool is a per-device LIFO stack of completion-event handles, avoiding
// event create/destroy on the hot path (spec.md §4.B). Events are created
// lazily and only destroyed when EmptyCache is called.
type EventPool struct {
	mu     sync.Mutex
	drv    device.Driver
	device int
	stack  []device.Event
}

// NewEventPool returns an empty event pool for dev, backed by drv.
func NewEventPool(drv device.Driver, dev int) *EventPool {
	return &EventPool{drv: drv, device: dev}
}

// Get returns a pooled event handle, creating one via the driver if the
// stack is empty.
func (p *EventPool) Get() (device.Event, error) {
	p.mu.Lock()
	if n := len(p.stack); n > 0 {
		ev := p.stack[n-1]
		p.stack = p.stack[:n-1]
		p.mu.Unlock()
		return ev, nil
	}
	p.mu.Unlock()
	return p.drv.NewEvent(p.device)
}

// Put returns ev to the pool for reuse.
func (p *EventPool) Put(ev device.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stack = append(p.stack, ev)
}

// EmptyCache destroys every pooled event via the driver. It does not affect
// events currently checked out and referenced by a Block.
func (p *EventPool) EmptyCache() error {
	p.mu.Lock()
	stack := p.stack
	p.stack = nil
	p.mu.Unlock()

	var firstErr error
	for _, ev := range stack {
		if err := p.drv.DestroyEvent(ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len reports how many events are currently idle in the pool.
func (p *EventPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack)
}
