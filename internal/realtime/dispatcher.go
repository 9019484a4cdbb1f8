package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/petervdpas/parley/internal/proto"
)

// Handler receives every inbound envelope. Handlers filter by Type themselves;
// unknown types are delivered too.
type Handler func(env proto.Envelope)

type handlerEntry struct {
	fn      Handler
	removed atomic.Bool
}

// Dispatcher fans inbound envelopes out to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []*handlerEntry
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// AddHandler registers h and returns its removal func. Removal is idempotent.
// A handler removed while a dispatch is in flight is not invoked by it.
func (d *Dispatcher) AddHandler(h Handler) (remove func()) {
	e := &handlerEntry{fn: h}
	d.mu.Lock()
	d.handlers = append(d.handlers, e)
	d.mu.Unlock()

	return func() {
		if e.removed.Swap(true) {
			return
		}
		d.mu.Lock()
		for i, cur := range d.handlers {
			if cur == e {
				d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
	}
}

// HandlerCount returns the number of registered handlers.
func (d *Dispatcher) HandlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch invokes every handler registered at the moment of the call, in
// registration order. A panicking handler is logged and skipped.
func (d *Dispatcher) Dispatch(env proto.Envelope) {
	d.mu.RLock()
	snapshot := make([]*handlerEntry, len(d.handlers))
	copy(snapshot, d.handlers)
	d.mu.RUnlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		d.invoke(e.fn, env)
	}
}

func (d *Dispatcher) invoke(h Handler, env proto.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("REALTIME: handler panicked on %q: %v", env.Type(), r)
		}
	}()
	h(env)
}
