package shared

import (
	"sync"
	"sync/atomic"
)

// Emitter fans values out to listeners in registration order.
//
// Owners call Enqueue (and Listen) while holding their own lock, so queue
// order is the order in which their state changed, and Flush after
// releasing it. Only one goroutine drains at a time. A listener that
// calls back into the owner only enqueues; the drain already in progress
// delivers it after the current value, so listeners see every value
// exactly once and in order.
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners []*listenerEntry[T]
	queue     []queued[T]
	draining  bool
}

type listenerEntry[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

type queued[T any] struct {
	value T
	// only restricts delivery to one listener (initial values).
	only *listenerEntry[T]
}

// Listen registers fn. If initial is non-nil, its value is queued for fn
// alone ahead of anything enqueued later. Nothing is delivered until the
// next Flush. The returned func removes fn and may be called repeatedly.
func (e *Emitter[T]) Listen(fn func(T), initial *T) func() {
	entry := &listenerEntry[T]{fn: fn}
	e.mu.Lock()
	e.listeners = append(e.listeners, entry)
	if initial != nil {
		e.queue = append(e.queue, queued[T]{value: *initial, only: entry})
	}
	e.mu.Unlock()

	return func() {
		if entry.removed.Swap(true) {
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l == entry {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
	}
}

// Enqueue records v for delivery by the next Flush.
func (e *Emitter[T]) Enqueue(v T) {
	e.mu.Lock()
	e.queue = append(e.queue, queued[T]{value: v})
	e.mu.Unlock()
}

// Flush delivers queued values unless another goroutine is already
// draining, in which case that goroutine delivers them.
func (e *Emitter[T]) Flush() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		item := e.queue[0]
		e.queue = e.queue[1:]
		var targets []*listenerEntry[T]
		if item.only != nil {
			targets = []*listenerEntry[T]{item.only}
		} else {
			targets = make([]*listenerEntry[T], len(e.listeners))
			copy(targets, e.listeners)
		}
		e.mu.Unlock()

		for _, l := range targets {
			if l.removed.Load() {
				continue
			}
			l.fn(item.value)
		}

		e.mu.Lock()
	}
	e.draining = false
	e.mu.Unlock()
}

// Emit is Enqueue followed by Flush.
func (e *Emitter[T]) Emit(v T) {
	e.Enqueue(v)
	e.Flush()
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
