// Package queue provides a fixed-capacity lock-free queue used to park idle
// pooled connections.
//
// Bounded is a multi-producer multi-consumer ring in which every slot carries
// a sequence number. A producer may write slot i only when its sequence equals
// the enqueue position, and a consumer may read it only when the sequence is
// one past the dequeue position. Neither Push nor Pop ever blocks: a full
// queue rejects the push and an empty queue reports no item.
package queue

import (
	"runtime"
	"sync/atomic"
)

// cacheLinePad separates the hot cursors. 128 bytes covers both x86-64 and
// arm64 line sizes.
type cacheLinePad [128]byte

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Bounded is a fixed-capacity MPMC FIFO. The zero value is not usable;
// construct with New.
type Bounded[T any] struct {
	_     cacheLinePad
	head  atomic.Uint64 // next dequeue position
	_     cacheLinePad
	tail  atomic.Uint64 // next enqueue position
	_     cacheLinePad
	slots []slot[T]
	size  uint64 // ring length, at least 2
	cap   uint64 // logical capacity
}

// New creates a queue holding at most capacity items. A capacity below one
// is raised to one.
//
// The ring always has at least two slots. With a single slot a filled
// sequence (pos+1) equals the free sequence of the next lap (pos+cap), so
// the capacity is enforced against the cursors instead.
func New[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := capacity
	if size < 2 {
		size = 2
	}
	q := &Bounded[T]{
		slots: make([]slot[T], size),
		size:  uint64(size),
		cap:   uint64(capacity),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Push appends v. It returns false without blocking when the queue is full.
func (q *Bounded[T]) Push(v T) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos%q.size]
		seq := s.seq.Load()

		switch diff := int64(seq - pos); {
		case diff == 0:
			// A stale head only overstates the count. A head past pos means
			// tail moved on and the CAS below fails.
			if n := int64(pos - q.head.Load()); n >= int64(q.cap) {
				return false
			}
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			// The slot still holds an item from the previous lap.
			return false
		default:
			// Another producer claimed pos; reload.
			runtime.Gosched()
		}
	}
}

// Pop removes the oldest item. It returns false without blocking when the
// queue is empty.
func (q *Bounded[T]) Pop() (T, bool) {
	var zero T
	for {
		pos := q.head.Load()
		s := &q.slots[pos%q.size]
		seq := s.seq.Load()

		switch diff := int64(seq - (pos + 1)); {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + q.size)
				return v, true
			}
		case diff < 0:
			return zero, false
		default:
			runtime.Gosched()
		}
	}
}

// Len returns an approximate item count. It is exact when no Push or Pop
// runs concurrently.
func (q *Bounded[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail <= head {
		return 0
	}
	n := tail - head
	if n > q.cap {
		n = q.cap
	}
	return int(n)
}

// Cap returns the capacity.
func (q *Bounded[T]) Cap() int {
	return int(q.cap)
}
