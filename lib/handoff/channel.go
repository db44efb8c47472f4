// Package handoff provides the FIFO that carries parsed requests from a
// connection's reader goroutine to its writer goroutine.
package handoff

import (
	"context"
	"sync"
)

// Channel is a single-producer single-consumer FIFO with a soft size limit.
// The limit never rejects an item; Push reports when it has been crossed so
// the producer can stop reading.
type Channel[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	softMax int
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// New returns a Channel whose Push reports false once more than softMax
// items are queued. A softMax below one is raised to one.
func New[T any](softMax int) *Channel[T] {
	if softMax < 1 {
		softMax = 1
	}
	return &Channel[T]{
		softMax: softMax,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Push enqueues v. It returns false if the channel is closed, in which case v
// is discarded, or if the queue now holds more than the soft limit.
func (c *Channel[T]) Push(v T) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, v)
	n := len(c.items) - c.head
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return n <= c.softMax
}

// TryPop removes the oldest item without blocking.
func (c *Channel[T]) TryPop() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popLocked()
}

// Pop blocks until an item is available, the channel is closed and empty, or
// ctx ends. The boolean is false in the last two cases.
func (c *Channel[T]) Pop(ctx context.Context) (T, bool) {
	for {
		c.mu.Lock()
		v, ok := c.popLocked()
		closed := c.closed
		c.mu.Unlock()
		if ok || closed {
			return v, ok
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

func (c *Channel[T]) popLocked() (T, bool) {
	var zero T
	if c.head == len(c.items) {
		return zero, false
	}
	v := c.items[c.head]
	c.items[c.head] = zero
	c.head++

	if c.head == len(c.items) {
		c.items = c.items[:0]
		c.head = 0
	} else if c.head > 32 && c.head*2 > len(c.items) {
		n := copy(c.items, c.items[c.head:])
		clear(c.items[n:])
		c.items = c.items[:n]
		c.head = 0
	}
	return v, true
}

// Close marks the producer side finished. Queued items remain poppable.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Closed reports whether Close has been called.
func (c *Channel[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of queued items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) - c.head
}

// SoftMax returns the soft size limit.
func (c *Channel[T]) SoftMax() int {
	return c.softMax
}
